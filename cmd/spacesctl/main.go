package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"golang.org/x/term"

	"github.com/danielctc/ReactSpacesMonoRepo-sub002/realtime"
)

const SpacesCtlVersion = "0.0.1"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Spaces realtime control.

Usage:
    spacesctl actors --store_url=<store_url> --space=<space_id> --instance=<instance_id>
        [--jwt=<jwt>] [--actor=<actor_id>]
    spacesctl objects --store_url=<store_url> --space=<space_id> --instance=<instance_id>
        [--jwt=<jwt>] [--actor=<actor_id>]
    spacesctl tail --store_url=<store_url> --space=<space_id> --instance=<instance_id>
        [--jwt=<jwt>] [--actor=<actor_id>]
        [--duration=<seconds>]
    spacesctl broadcast --store_url=<store_url> --space=<space_id> --instance=<instance_id>
        [--jwt=<jwt>] [--actor=<actor_id>]
        [--target=<actor_id>]
        <event> [<data_json>]
    spacesctl spawn --store_url=<store_url> --space=<space_id> --instance=<instance_id>
        [--jwt=<jwt>] [--actor=<actor_id>]
        --type=<content_type> [--prefab=<prefab_id>] [--glb=<glb_url>]

Options:
    -h --help                    Show this screen.
    --version                    Show version.
    --store_url=<store_url>      Websocket url of the shared store.
    --space=<space_id>
    --instance=<instance_id>
    --jwt=<jwt>                  Session JWT. Prompted for when omitted.
    --actor=<actor_id>           Defaults to the JWT user id.
    --duration=<seconds>         Tail duration [default: 30].
    --target=<actor_id>          Send to one actor instead of broadcasting.
    --type=<content_type>        One of prefab, video_canvas, media_screen,
                                 portal, interactive, custom.
    --prefab=<prefab_id>
    --glb=<glb_url>`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], SpacesCtlVersion)
	if err != nil {
		panic(err)
	}

	if actors_, _ := opts.Bool("actors"); actors_ {
		actors(opts)
	} else if objects_, _ := opts.Bool("objects"); objects_ {
		objects(opts)
	} else if tail_, _ := opts.Bool("tail"); tail_ {
		tail(opts)
	} else if broadcast_, _ := opts.Bool("broadcast"); broadcast_ {
		broadcast(opts)
	} else if spawn_, _ := opts.Bool("spawn"); spawn_ {
		spawn(opts)
	}
}

type ctlSession struct {
	cancel  context.CancelFunc
	store   *realtime.RemoteStore
	session *realtime.Session
	actorId string
}

func openSession(opts docopt.Opts) *ctlSession {
	storeUrl, _ := opts.String("--store_url")
	spaceId, _ := opts.String("--space")
	instanceId, _ := opts.String("--instance")

	jwt, _ := opts.String("--jwt")
	if jwt == "" {
		fmt.Print("jwt: ")
		jwtBytes, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Println()
		if err != nil {
			Err.Fatalf("Could not read jwt (%s).", err)
		}
		jwt = strings.TrimSpace(string(jwtBytes))
	}

	auth := &realtime.SessionAuth{
		ByJwt:      jwt,
		AppVersion: fmt.Sprintf("spacesctl %s", SpacesCtlVersion),
		InstanceId: realtime.NewId(),
	}

	actorId, _ := opts.String("--actor")
	if actorId == "" {
		jwtActorId, err := auth.ActorId()
		if err != nil {
			Err.Fatalf("No --actor and the jwt has no user id (%s).", err)
		}
		actorId = jwtActorId
	}

	cancelCtx, cancel := context.WithCancel(context.Background())

	store := realtime.NewRemoteStoreWithDefaults(cancelCtx, storeUrl, auth)
	session := realtime.NewSessionWithDefaults(cancelCtx, store)

	if err := session.Join(cancelCtx, spaceId, instanceId, actorId, realtime.ActorMetadata{
		DisplayName: fmt.Sprintf("spacesctl %s", actorId),
		Role:        "tool",
	}); err != nil {
		cancel()
		Err.Fatalf("Could not join instance (%s).", err)
	}

	return &ctlSession{
		cancel:  cancel,
		store:   store,
		session: session,
		actorId: actorId,
	}
}

func (self *ctlSession) close() {
	closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer closeCancel()
	if err := self.session.Leave(closeCtx); err != nil {
		Err.Printf("Leave error (%s).", err)
	}
	self.store.Close()
	self.cancel()
}

func actors(opts docopt.Opts) {
	ctl := openSession(opts)
	defer ctl.close()

	// let the initial snapshot arrive
	time.Sleep(1 * time.Second)

	for actorId, actor := range ctl.session.Actors.Actors() {
		local := ""
		if ctl.session.Actors.IsLocalActor(actorId) {
			local = " (you)"
		}
		Out.Printf(
			"%s%s %s online=%t pos=(%.2f,%.2f,%.2f)",
			actorId,
			local,
			actor.Metadata.DisplayName,
			actor.IsOnline,
			actor.Position.X,
			actor.Position.Y,
			actor.Position.Z,
		)
	}
}

func objects(opts docopt.Opts) {
	ctl := openSession(opts)
	defer ctl.close()

	time.Sleep(1 * time.Second)

	for objectId, object := range ctl.session.Content.Objects() {
		owner := object.OwnerId
		if owner == "" {
			owner = "(unowned)"
		}
		Out.Printf("%s type=%s owner=%s prefab=%s", objectId, object.Type, owner, object.PrefabId)
	}
}

func tail(opts docopt.Opts) {
	ctl := openSession(opts)
	defer ctl.close()

	durationSeconds, err := opts.Int("--duration")
	if err != nil {
		durationSeconds = 30
	}

	unsubActors := ctl.session.Actors.AddActorChangeCallback(func(actorId string, actor *realtime.Actor, changeType realtime.ActorChangeType) {
		Out.Printf("[actor]%s %s", changeType, actorId)
	})
	defer unsubActors()

	unsubObjects := ctl.session.Content.AddObjectChangeCallback(func(objectId string, object *realtime.ContentObject, changeType realtime.ObjectChangeType) {
		Out.Printf("[object]%s %s owner=%s", changeType, objectId, object.OwnerId)
	})
	defer unsubObjects()

	done := make(chan os.Signal, 1)
	signal.Notify(done, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-done:
	case <-time.After(time.Duration(durationSeconds) * time.Second):
	}
}

func broadcast(opts docopt.Opts) {
	ctl := openSession(opts)
	defer ctl.close()

	eventName, _ := opts.String("<event>")
	dataJson, _ := opts.String("<data_json>")

	var data map[string]any
	if dataJson != "" {
		if err := json.Unmarshal([]byte(dataJson), &data); err != nil {
			Err.Fatalf("Invalid data json (%s).", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	var ok bool
	var err error
	if target, _ := opts.String("--target"); target != "" {
		ok, err = ctl.session.Network.SendTo(ctx, eventName, data, []string{target})
	} else {
		ok, err = ctl.session.Network.Broadcast(ctx, eventName, data, nil)
	}
	if err != nil {
		Err.Fatalf("Broadcast error (%s).", err)
	}
	if !ok {
		Err.Fatalf("Broadcast rejected.")
	}
	Out.Printf("sent %s", eventName)
}

func spawn(opts docopt.Opts) {
	ctl := openSession(opts)
	defer ctl.close()

	contentType, _ := opts.String("--type")
	prefabId, _ := opts.String("--prefab")
	glbUrl, _ := opts.String("--glb")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	objectId, err := ctl.session.Content.Spawn(ctx, realtime.ContentType(contentType), &realtime.ContentObjectConfig{
		PrefabId: prefabId,
		GlbUrl:   glbUrl,
	})
	if err != nil {
		Err.Fatalf("Spawn error (%s).", err)
	}
	Out.Printf("%s", objectId)
}
