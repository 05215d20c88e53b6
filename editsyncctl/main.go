package main

import (
	"bufio"
	"context"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/sanity-io/litter"

	"github.com/editsync/editsync"
)

const EditsyncCtlVersion = "0.0.1"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Editsync control.

Usage:
    editsyncctl relay [--listen=<listen>]
        [--redis_url=<redis_url>]
        [--secret=<secret>]
    editsyncctl token --secret=<secret> --room=<room>
        [--connection_id=<connection_id>]
        [--ttl=<ttl>]
    editsyncctl demo [--connect_url=<connect_url>]
        [--room=<room>]
        [--jwt=<jwt>]

Options:
    -h --help                          Show this screen.
    --version                          Show version.
    --listen=<listen>                  Relay listen address [default: :7700].
    --redis_url=<redis_url>            Bridge relay instances via Redis pub/sub.
    --secret=<secret>                  Room token signing secret.
    --room=<room>                      Room name [default: default].
    --connection_id=<connection_id>    Connection id to mint the token for.
    --ttl=<ttl>                        Token lifetime [default: 24h].
    --connect_url=<connect_url>        Relay url [default: http://localhost:7700].
    --jwt=<jwt>                        Room token for the relay.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], EditsyncCtlVersion)
	if err != nil {
		panic(err)
	}

	if relay_, _ := opts.Bool("relay"); relay_ {
		relay(opts)
	} else if token_, _ := opts.Bool("token"); token_ {
		token(opts)
	} else if demo_, _ := opts.Bool("demo"); demo_ {
		demo(opts)
	}
}

func relay(opts docopt.Opts) {
	listen, _ := opts.String("--listen")

	settings := editsync.DefaultRelaySettings()
	if secret, err := opts.String("--secret"); err == nil && secret != "" {
		settings.TokenSecret = []byte(secret)
	}
	if redisUrl, err := opts.String("--redis_url"); err == nil {
		settings.RedisUrl = redisUrl
	}

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub, err := editsync.NewRelayHub(cancelCtx, settings)
	if err != nil {
		Err.Fatalf("Could not create relay (%s).", err)
	}
	defer hub.Close()

	Out.Printf("relay listening on %s", listen)
	if err := http.ListenAndServe(listen, hub.Router()); err != nil {
		Err.Fatalf("Relay exited (%s).", err)
	}
}

func token(opts docopt.Opts) {
	secret, _ := opts.String("--secret")
	room, _ := opts.String("--room")
	ttlStr, _ := opts.String("--ttl")

	ttl, err := time.ParseDuration(ttlStr)
	if err != nil {
		Err.Fatalf("Invalid ttl (%s).", err)
	}

	connectionId := editsync.NewId()
	if connectionIdStr, err := opts.String("--connection_id"); err == nil && connectionIdStr != "" {
		connectionId, err = editsync.ParseId(connectionIdStr)
		if err != nil {
			Err.Fatalf("Invalid connection_id (%s).", err)
		}
	}

	byJwt, err := editsync.MintRoomToken([]byte(secret), room, connectionId, ttl)
	if err != nil {
		Err.Fatalf("Could not mint token (%s).", err)
	}
	Out.Printf("connection_id: %s", connectionId)
	Out.Printf("%s", byJwt)
}

// interactive replica against a relay room. Every peer running the demo in
// the same room sees the same document.
func demo(opts docopt.Opts) {
	connectUrl, _ := opts.String("--connect_url")
	room, _ := opts.String("--room")
	byJwt, _ := opts.String("--jwt")

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	connectionId := editsync.NewId()
	surface := editsync.NewMemorySurface()
	transport := editsync.NewWsTransportWithDefaults(
		cancelCtx,
		editsync.RelayUrl(connectUrl, room, connectionId, byJwt),
	)
	defer transport.Close()

	engine := editsync.NewEngineWithDefaults(cancelCtx, connectionId, surface, transport)
	defer engine.Close()

	surface.AddMutationCallback(func(mutation editsync.Mutation) {
		Out.Printf("%s %s", mutation.Kind, mutation.UnitId)
	})
	engine.AddLockCallback(func(unitId editsync.Id, holderConnectionId editsync.Id, locked bool) {
		if locked {
			Out.Printf("locked %s by %s", unitId, holderConnectionId)
		} else {
			Out.Printf("unlocked %s", unitId)
		}
	})
	engine.AddPresenceCallback(func(marker editsync.PresenceMarker, active bool) {
		if active {
			Out.Printf("selection %s by %s", marker.UnitId, marker.ConnectionId)
		}
	})
	engine.Listen()

	Out.Printf("connection_id: %s", connectionId)
	Out.Printf("commands: add <text> | edit <n> <text> | rm <n> | mv <from> <to> | ls")

	unitAt := func(indexStr string) (editsync.ContentUnit, bool) {
		index, err := strconv.Atoi(indexStr)
		if err != nil {
			Out.Printf("bad index %s", indexStr)
			return editsync.ContentUnit{}, false
		}
		unit, ok := surface.UnitAt(index)
		if !ok {
			Out.Printf("no unit at %d", index)
			return editsync.ContentUnit{}, false
		}
		return unit, true
	}

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "add":
			err := surface.Insert(surface.Len(), editsync.ContentUnit{
				Id:   editsync.NewId(),
				Kind: "paragraph",
				Data: strings.Join(fields[1:], " "),
			})
			if err != nil {
				Out.Printf("add: %s", err)
			}
		case "edit":
			if len(fields) < 3 {
				Out.Printf("usage: edit <n> <text>")
				continue
			}
			unit, ok := unitAt(fields[1])
			if !ok {
				continue
			}
			if err := engine.TryEdit(unit.Id, strings.Join(fields[2:], " ")); err != nil {
				Out.Printf("edit: %s", err)
			}
		case "rm":
			if len(fields) < 2 {
				Out.Printf("usage: rm <n>")
				continue
			}
			index, err := strconv.Atoi(fields[1])
			if err != nil {
				Out.Printf("bad index %s", fields[1])
				continue
			}
			if err := surface.RemoveAt(index); err != nil {
				Out.Printf("rm: %s", err)
			}
		case "mv":
			if len(fields) < 3 {
				Out.Printf("usage: mv <from> <to>")
				continue
			}
			fromIndex, err1 := strconv.Atoi(fields[1])
			toIndex, err2 := strconv.Atoi(fields[2])
			if err1 != nil || err2 != nil {
				Out.Printf("bad index")
				continue
			}
			if err := surface.Move(fromIndex, toIndex); err != nil {
				Out.Printf("mv: %s", err)
			}
		case "ls":
			Out.Printf("%s", litter.Sdump(surface.Units()))
		default:
			Out.Printf("unknown command %s", fields[0])
		}
	}
}
