package collab

import (
	gojwt "github.com/golang-jwt/jwt/v5"
)

type ByJwt struct {
	ClientId  string
	UserName  string
	SessionId string
}

// the authority verifies the jwt. The client only reads hints from it.
func ParseByJwtUnverified(byJwtStr string) (*ByJwt, error) {
	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(byJwtStr, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}

	claims := token.Claims.(gojwt.MapClaims)

	byJwt := &ByJwt{}

	if clientId, ok := claims["client_id"].(string); ok {
		byJwt.ClientId = clientId
	}
	if userName, ok := claims["name"].(string); ok {
		byJwt.UserName = userName
	}
	if sessionId, ok := claims["session_id"].(string); ok {
		byJwt.SessionId = sessionId
	}

	return byJwt, nil
}

type ClientAuth struct {
	// optional bearer token sent on the websocket handshake
	ByJwt string
	// the identity previously assigned by the authority, if any
	ClientIdHint string
	UserName     string
}

// fills missing hints from the jwt claims
func NewClientAuth(byJwt string, userName string) (*ClientAuth, error) {
	auth := &ClientAuth{
		ByJwt:    byJwt,
		UserName: userName,
	}
	if byJwt == "" {
		return auth, nil
	}
	claims, err := ParseByJwtUnverified(byJwt)
	if err != nil {
		return nil, err
	}
	auth.ClientIdHint = claims.ClientId
	if auth.UserName == "" {
		auth.UserName = claims.UserName
	}
	return auth, nil
}
