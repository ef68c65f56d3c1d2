package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/golang/glog"
)

const defaultHttpTimeout = 60 * time.Second
const defaultHttpConnectTimeout = 5 * time.Second
const defaultHttpTlsTimeout = 5 * time.Second

func defaultClient() *http.Client {
	dialer := &net.Dialer{
		Timeout: defaultHttpConnectTimeout,
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: defaultHttpTlsTimeout,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   defaultHttpTimeout,
	}
}

type apiCallback[R any] interface {
	Result(result R, err error)
}

// for internal use
type simpleApiCallback[R any] struct {
	callback func(result R, err error)
}

func NewApiCallback[R any](callback func(result R, err error)) apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: callback,
	}
}

func NewNoopApiCallback[R any]() apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: func(result R, err error) {},
	}
}

func (self *simpleApiCallback[R]) Result(result R, err error) {
	self.callback(result, err)
}

type ApiCallbackResult[R any] struct {
	Result R
	Error  error
}

// the channel holds one result so the callback never blocks when the reader gave up
func NewBlockingApiCallback[R any]() (apiCallback[R], chan ApiCallbackResult[R]) {
	c := make(chan ApiCallbackResult[R], 1)
	apiCallback := NewApiCallback[R](func(result R, err error) {
		c <- ApiCallbackResult[R]{
			Result: result,
			Error:  err,
		}
	})
	return apiCallback, c
}

// Request/response client for the remote geometry and layout optimization service.
// The result is authoritative state, the caller applies it like any other replacement.
type GeometryClient struct {
	ctx    context.Context
	cancel context.CancelFunc

	apiUrl string

	byJwt string
}

func NewGeometryClient(apiUrl string) *GeometryClient {
	return NewGeometryClientWithContext(context.Background(), apiUrl)
}

func NewGeometryClientWithContext(ctx context.Context, apiUrl string) *GeometryClient {
	cancelCtx, cancel := context.WithCancel(ctx)

	return &GeometryClient{
		ctx:    cancelCtx,
		cancel: cancel,
		apiUrl: strings.TrimRight(apiUrl, "/"),
	}
}

// this gets attached to api calls that need prior auth
func (self *GeometryClient) SetByJwt(byJwt string) {
	self.byJwt = byJwt
}

func (self *GeometryClient) Close() {
	self.cancel()
}

type OptimizeCallback apiCallback[*OptimizeResult]

type OptimizeArgs struct {
	Dimensions *Size     `json:"dimensions,omitempty"`
	Elements   []*Object `json:"elements"`
	// the element the user just moved, if any
	MovedElementId string `json:"moved_element_id,omitempty"`
}

type OptimizeResult struct {
	Elements []*Object          `json:"elements"`
	Zones    json.RawMessage    `json:"zones,omitempty"`
	Metrics  map[string]float64 `json:"metrics,omitempty"`
	Warnings []Warning          `json:"warnings,omitempty"`
}

func (self *OptimizeResult) Document() *Document {
	document := NewDocumentFromObjects(self.Elements)
	document.SetDerived(self.Zones, self.Metrics, self.Warnings)
	return document
}

func (self *GeometryClient) Optimize(ctx context.Context, optimize *OptimizeArgs) (*OptimizeResult, error) {
	return post(
		ctx,
		fmt.Sprintf("%s/optimize", self.apiUrl),
		optimize,
		self.byJwt,
		&OptimizeResult{},
		NewNoopApiCallback[*OptimizeResult](),
	)
}

func (self *GeometryClient) OptimizeWithCallback(optimize *OptimizeArgs, callback OptimizeCallback) {
	go HandleError(func() {
		post(
			self.ctx,
			fmt.Sprintf("%s/optimize", self.apiUrl),
			optimize,
			self.byJwt,
			&OptimizeResult{},
			callback,
		)
	})
}

func post[R any](ctx context.Context, url string, args any, byJwt string, result R, callback apiCallback[R]) (R, error) {
	var requestBodyBytes []byte
	if args == nil {
		requestBodyBytes = make([]byte, 0)
	} else {
		var err error
		requestBodyBytes, err = json.Marshal(args)
		if err != nil {
			var empty R
			callback.Result(empty, err)
			return empty, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(requestBodyBytes))
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	req.Header.Add("Content-Type", "application/json")

	if byJwt != "" {
		auth := fmt.Sprintf("Bearer %s", byJwt)
		req.Header.Add("Authorization", auth)
	}

	client := defaultClient()
	r, err := client.Do(req)
	if err != nil {
		glog.Infof("[g]post %s: %s\n", url, err)
		var empty R
		callback.Result(empty, err)
		return empty, err
	}
	defer r.Body.Close()

	responseBodyBytes, err := io.ReadAll(r.Body)

	if http.StatusOK != r.StatusCode {
		// the response body is the error message
		errorMessage := strings.TrimSpace(string(responseBodyBytes))
		err = errors.New(errorMessage)
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	err = json.Unmarshal(responseBodyBytes, &result)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	callback.Result(result, nil)
	return result, nil
}
