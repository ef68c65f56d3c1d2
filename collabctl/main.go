package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/grandcat/zeroconf"
	"golang.org/x/term"

	"github.com/bringyour/collab/collab"
)

const CollabCtlVersion = "0.0.1"

const DiscoverService = "_collab._tcp"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := fmt.Sprintf(
		`Collaborative session control.

The default endpoint is %s

Usage:
    collabctl watch [--endpoint=<endpoint> | --discover] [--jwt=<jwt>] [--name=<name>]
        [--json] [--verbose=<level>]
        <session_id>
    collabctl move [--endpoint=<endpoint> | --discover] [--jwt=<jwt>] [--name=<name>]
        [--verbose=<level>]
        <session_id> <element_id> <x> <y>
    collabctl lock [--endpoint=<endpoint> | --discover] [--jwt=<jwt>] [--name=<name>]
        [--hold=<hold>] [--verbose=<level>]
        <session_id> <element_id>
    collabctl state [--endpoint=<endpoint> | --discover] [--jwt=<jwt>] [--name=<name>]
        [--json] [--verbose=<level>]
        <session_id>
    collabctl optimize [--endpoint=<endpoint> | --discover] [--jwt=<jwt>] [--name=<name>]
        --api_url=<api_url> [--moved=<element_id>] [--json] [--verbose=<level>]
        <session_id>
    collabctl jwt-info --jwt=<jwt>
    collabctl discover [--timeout=<timeout>]

Options:
    -h --help                  Show this screen.
    --version                  Show version.
    --endpoint=<endpoint>      Base websocket endpoint.
    --discover                 Find the endpoint on the local network.
    --jwt=<jwt>                Session JWT.
    --name=<name>              Display name [default: collabctl].
    --json                     Print JSON lines. The default when stdout is not a terminal.
    --hold=<hold>              Hold the lock this long before unlocking [default: 5s].
    --api_url=<api_url>        Geometry service url.
    --moved=<element_id>       The element that was just moved.
    --timeout=<timeout>        Discovery browse time [default: 5s].
    --verbose=<level>          Log verbosity [default: 0].`,
		collab.DefaultEndpoint,
	)

	opts, err := docopt.ParseArgs(usage, os.Args[1:], CollabCtlVersion)
	if err != nil {
		panic(err)
	}

	if verbose, err := opts.String("--verbose"); err == nil && verbose != "" && verbose != "0" {
		flag.Set("logtostderr", "true")
		flag.Set("v", verbose)
	}

	if watch_, _ := opts.Bool("watch"); watch_ {
		watch(opts)
	} else if move_, _ := opts.Bool("move"); move_ {
		move(opts)
	} else if lock_, _ := opts.Bool("lock"); lock_ {
		lock(opts)
	} else if state_, _ := opts.Bool("state"); state_ {
		state(opts)
	} else if optimize_, _ := opts.Bool("optimize"); optimize_ {
		optimize(opts)
	} else if jwtInfo_, _ := opts.Bool("jwt-info"); jwtInfo_ {
		jwtInfo(opts)
	} else if discover_, _ := opts.Bool("discover"); discover_ {
		discover(opts)
	}
}

func jsonOutput(opts docopt.Opts) bool {
	if json_, _ := opts.Bool("--json"); json_ {
		return true
	}
	return !term.IsTerminal(int(os.Stdout.Fd()))
}

func resolveEndpoint(ctx context.Context, opts docopt.Opts) string {
	if discover_, _ := opts.Bool("--discover"); discover_ {
		endpoints, err := browse(ctx, 5*time.Second)
		if err != nil {
			Err.Fatalf("Discovery failed: %s", err)
		}
		if len(endpoints) == 0 {
			Err.Fatalf("No session endpoint found on the local network.")
		}
		Err.Printf("Discovered %s", endpoints[0])
		return endpoints[0]
	}
	endpoint, _ := opts.String("--endpoint")
	return endpoint
}

// browses for session endpoints announced over mdns
func browse(ctx context.Context, timeout time.Duration) ([]string, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, err
	}

	endpoints := []string{}
	entries := make(chan *zeroconf.ServiceEntry)
	done := make(chan struct{})
	go func(results <-chan *zeroconf.ServiceEntry) {
		defer close(done)
		for entry := range results {
			if len(entry.AddrIPv4) == 0 {
				continue
			}
			path := "/ws"
			for _, txt := range entry.Text {
				if len(txt) > 5 && txt[:5] == "path=" {
					path = txt[5:]
				}
			}
			endpoints = append(endpoints, fmt.Sprintf("ws://%s:%d%s", entry.AddrIPv4[0], entry.Port, path))
		}
	}(entries)

	browseCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := resolver.Browse(browseCtx, DiscoverService, "local.", entries); err != nil {
		return nil, err
	}
	<-browseCtx.Done()
	<-done
	return endpoints, nil
}

func discover(opts docopt.Opts) {
	timeout := parseDuration(opts, "--timeout")
	endpoints, err := browse(context.Background(), timeout)
	if err != nil {
		Err.Fatalf("Discovery failed: %s", err)
	}
	for _, endpoint := range endpoints {
		Out.Printf("%s", endpoint)
	}
}

func parseDuration(opts docopt.Opts, key string) time.Duration {
	durationStr, _ := opts.String(key)
	d, err := time.ParseDuration(durationStr)
	if err != nil {
		Err.Fatalf("Bad %s: %s", key, err)
	}
	return d
}

// connects and waits for the identity assignment
// the returned channel receives once the first authoritative snapshot arrives
func connect(ctx context.Context, opts docopt.Opts) (*collab.Session, chan struct{}) {
	sessionId, _ := opts.String("<session_id>")
	name, _ := opts.String("--name")
	byJwt, _ := opts.String("--jwt")

	settings := collab.DefaultSessionSettings()
	settings.ByJwt = byJwt

	session := collab.NewSession(ctx, settings)
	session.AddNoticeCallback(func(notice *collab.Notice) {
		Err.Printf("[%s] %s", notice.Type, notice.Message)
	})
	initialized := make(chan struct{}, 1)
	session.On(collab.EventTypeInitialized, func(event collab.Event) {
		select {
		case initialized <- struct{}{}:
		default:
		}
	})

	if err := session.Connect(sessionId, name, resolveEndpoint(ctx, opts)); err != nil {
		Err.Fatalf("Connect failed: %s", err)
	}

	readyCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := session.WaitReady(readyCtx); err != nil {
		Err.Fatalf("Session not ready: %s", err)
	}
	return session, initialized
}

func waitInitialized(ctx context.Context, initialized chan struct{}) {
	select {
	case <-initialized:
	case <-ctx.Done():
	case <-time.After(15 * time.Second):
		Err.Fatalf("No initial state.")
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		signals := make(chan os.Signal, 1)
		signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(signals)
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

func watch(opts docopt.Opts) {
	ctx, cancel := signalContext()
	defer cancel()

	session, _ := connect(ctx, opts)
	defer session.Close()

	jsonLines := jsonOutput(opts)
	session.RegisterConsumer(func(event collab.Event) {
		if jsonLines {
			eventJson, err := json.Marshal(event)
			if err != nil {
				return
			}
			// the same field names the server uses
			Out.Printf("%s", eventJson)
		} else {
			Out.Printf("%s %s", time.UnixMilli(event.EventTimestamp()).Format(time.TimeOnly), describe(event))
		}
	})

	<-ctx.Done()
}

func describe(event collab.Event) string {
	switch v := event.(type) {
	case *collab.InitializedEvent:
		return fmt.Sprintf("initialized %d elements, %d users", len(v.Elements), len(v.Users))
	case *collab.ElementMovedEvent:
		return fmt.Sprintf("%s moved %s to (%g, %g)", v.ClientId, v.ElementId, v.Position.X, v.Position.Y)
	case *collab.ElementAddedEvent:
		return fmt.Sprintf("%s added %s", v.ClientId, v.Element.Id)
	case *collab.ElementDeletedEvent:
		return fmt.Sprintf("%s deleted %s", v.ClientId, v.ElementId)
	case *collab.UserJoinedEvent:
		return fmt.Sprintf("%s (%s) joined", v.ClientId, v.UserName)
	case *collab.UserLeftEvent:
		return fmt.Sprintf("%s left", v.ClientId)
	case *collab.ElementLockedEvent:
		return fmt.Sprintf("%s locked %s", v.ClientId, v.ElementId)
	case *collab.ElementUnlockedEvent:
		return fmt.Sprintf("%s unlocked %s", v.ClientId, v.ElementId)
	case *collab.ErrorEvent:
		return fmt.Sprintf("error: %s", v.Message)
	default:
		return string(event.EventType())
	}
}

func move(opts docopt.Opts) {
	ctx, cancel := signalContext()
	defer cancel()

	elementId, _ := opts.String("<element_id>")
	x := parseFloat(opts, "<x>")
	y := parseFloat(opts, "<y>")

	session, initialized := connect(ctx, opts)
	defer session.Close()
	waitInitialized(ctx, initialized)

	acked := make(chan bool, 1)
	session.On(collab.EventTypeMoveAck, func(event collab.Event) {
		ack := event.(*collab.MoveAckEvent)
		if ack.ElementId == elementId {
			select {
			case acked <- ack.Success:
			default:
			}
		}
	})
	session.On(collab.EventTypeElementMoved, func(event collab.Event) {
		moved := event.(*collab.ElementMovedEvent)
		if moved.ElementId == elementId && moved.ClientId == session.ClientId() {
			select {
			case acked <- true:
			default:
			}
		}
	})
	session.AddNoticeCallback(func(notice *collab.Notice) {
		if notice.Type == collab.NoticeEditReverted && notice.ElementId == elementId {
			select {
			case acked <- false:
			default:
			}
		}
	})

	if err := session.Move(elementId, collab.Position{X: x, Y: y}); err != nil {
		Err.Fatalf("Move failed: %s", err)
	}

	select {
	case success := <-acked:
		if !success {
			Err.Fatalf("Move of %s rejected.", elementId)
		}
		Out.Printf("Moved %s to (%g, %g)", elementId, x, y)
	case <-ctx.Done():
	}
}

func parseFloat(opts docopt.Opts, key string) float64 {
	valueStr, _ := opts.String(key)
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		Err.Fatalf("Bad %s: %s", key, err)
	}
	return value
}

func lock(opts docopt.Opts) {
	ctx, cancel := signalContext()
	defer cancel()

	elementId, _ := opts.String("<element_id>")
	hold := parseDuration(opts, "--hold")

	session, initialized := connect(ctx, opts)
	defer session.Close()
	waitInitialized(ctx, initialized)

	result, err := session.Lock(ctx, elementId)
	if err != nil {
		Err.Fatalf("Lock failed: %s", err)
	}
	if !result.Granted {
		Err.Fatalf("Lock of %s denied: %s", elementId, result.Reason)
	}
	Out.Printf("Locked %s for %s", elementId, hold)

	select {
	case <-time.After(hold):
	case <-ctx.Done():
	}
	if err := session.Unlock(elementId); err != nil {
		Err.Printf("Unlock failed: %s", err)
	}
	// let the unlock drain
	time.Sleep(100 * time.Millisecond)
}

func state(opts docopt.Opts) {
	ctx, cancel := signalContext()
	defer cancel()

	session, initialized := connect(ctx, opts)
	defer session.Close()
	waitInitialized(ctx, initialized)

	printDocument(opts, session.Document())
}

func printDocument(opts docopt.Opts, document *collab.Document) {
	if jsonOutput(opts) {
		documentJson, err := json.Marshal(map[string]any{
			"elements": document.Objects(),
			"zones":    document.Zones(),
			"metrics":  document.Metrics(),
			"warnings": document.Warnings(),
		})
		if err != nil {
			Err.Fatalf("%s", err)
		}
		Out.Printf("%s", documentJson)
		return
	}
	for _, object := range document.Objects() {
		Out.Printf("%s\t%s\t(%g, %g)\t%gx%g\t%g", object.Id, object.Type, object.Position.X, object.Position.Y, object.Size.Width, object.Size.Height, object.Rotation)
	}
	for name, value := range document.Metrics() {
		Out.Printf("%s = %g", name, value)
	}
	for _, warning := range document.Warnings() {
		Out.Printf("warning: %s", warning.Message)
	}
}

func optimize(opts docopt.Opts) {
	ctx, cancel := signalContext()
	defer cancel()

	apiUrl, _ := opts.String("--api_url")
	movedElementId, _ := opts.String("--moved")
	byJwt, _ := opts.String("--jwt")

	session, initialized := connect(ctx, opts)
	defer session.Close()
	waitInitialized(ctx, initialized)

	client := collab.NewGeometryClientWithContext(ctx, apiUrl)
	defer client.Close()
	client.SetByJwt(byJwt)

	if _, err := session.Optimize(ctx, client, nil, movedElementId); err != nil {
		Err.Fatalf("Optimize failed: %s", err)
	}
	printDocument(opts, session.Document())
}

func jwtInfo(opts docopt.Opts) {
	byJwtStr, _ := opts.String("--jwt")
	byJwt, err := collab.ParseByJwtUnverified(byJwtStr)
	if err != nil {
		Err.Fatalf("Bad jwt: %s", err)
	}
	Out.Printf("client_id: %s", byJwt.ClientId)
	Out.Printf("name: %s", byJwt.UserName)
	Out.Printf("session_id: %s", byJwt.SessionId)
}
