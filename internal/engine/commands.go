package engine

import "fmt"

type CommandKind string

const (
	CmdSpawnActor      CommandKind = "spawn_actor"
	CmdSetAutopilot    CommandKind = "set_autopilot"
	CmdDestroyActor    CommandKind = "destroy_actor"
	CmdStartController CommandKind = "start_controller"
	CmdGoToLocation    CommandKind = "go_to_location"
	CmdSetMaxSpeed     CommandKind = "set_max_speed"
)

// Command is one entry of a batch. Only the fields relevant to Kind are set.
// Then holds commands applied to the spawned actor once a SpawnActor succeeds;
// they address it through FutureActor.
type Command struct {
	Kind      CommandKind `json:"kind"`
	Blueprint *Blueprint  `json:"blueprint,omitempty"`
	Transform Transform   `json:"transform"`
	Parent    ActorID     `json:"parent,omitempty"`
	Actor     ActorID     `json:"actor,omitempty"`
	Enabled   bool        `json:"enabled,omitempty"`
	Target    Location    `json:"target"`
	Speed     float64     `json:"speed,omitempty"`
	Then      []Command   `json:"then,omitempty"`
}

func SpawnActor(bp Blueprint, at Transform) Command {
	return Command{Kind: CmdSpawnActor, Blueprint: &bp, Transform: at}
}

// SpawnAttached spawns bp attached to parent, e.g. an AI controller driving
// a walker body.
func SpawnAttached(bp Blueprint, at Transform, parent ActorID) Command {
	c := SpawnActor(bp, at)
	c.Parent = parent
	return c
}

func SetAutopilot(actor ActorID, enabled bool) Command {
	return Command{Kind: CmdSetAutopilot, Actor: actor, Enabled: enabled}
}

func DestroyActor(actor ActorID) Command {
	return Command{Kind: CmdDestroyActor, Actor: actor}
}

func StartController(controller ActorID) Command {
	return Command{Kind: CmdStartController, Actor: controller}
}

func GoToLocation(controller ActorID, target Location) Command {
	return Command{Kind: CmdGoToLocation, Actor: controller, Target: target}
}

func SetMaxSpeed(controller ActorID, speed float64) Command {
	return Command{Kind: CmdSetMaxSpeed, Actor: controller, Speed: speed}
}

// WithThen returns c with next chained after it.
func (c Command) WithThen(next ...Command) Command {
	c.Then = append(append([]Command(nil), c.Then...), next...)
	return c
}

// Response is the per-command outcome of a batch. Actor is set for spawns.
type Response struct {
	Actor ActorID `json:"actor,omitempty"`
	Error string  `json:"error,omitempty"`
}

func (r Response) Failed() bool { return r.Error != "" }

func (r Response) Err() error {
	if r.Error == "" {
		return nil
	}
	return fmt.Errorf("%s", r.Error)
}
