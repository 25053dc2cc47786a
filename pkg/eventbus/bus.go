package eventbus

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/livecomponent/runtime/pkg/diff"
	"github.com/livecomponent/runtime/pkg/protocol"
)

// Subscriber is anything that can receive an outbound Update — in practice a
// websocket connection, but kept abstract so eventbus does not import the
// transport layer.
type Subscriber interface {
	ID() string
	Send(update protocol.Update) error
}

// PublishRequest describes one event emitted by a method call.
type PublishRequest struct {
	Scope          protocol.EventScope
	FromInstanceID string
	Room           string // required when Scope == ScopeRoom
	Name           string
	Data           json.RawMessage
	RequestID      string

	// Origin is the subscriber that triggered the emitting method call.
	// Required when Scope == ScopeSelf; ignored otherwise.
	Origin Subscriber
}

// Bus fans events out to subscribers of an instance and to rooms of
// instances. It holds no opinion about instance lifecycle: callers are
// responsible for calling UnsubscribeAll when a connection closes and
// LeaveAllRooms when an instance unmounts.
type Bus struct {
	mu sync.RWMutex

	byInstance   map[string]map[string]Subscriber // instanceID -> subscriberID -> Subscriber
	bySubscriber map[string]map[string]struct{}   // subscriberID -> set of instanceID

	roomMembers   map[string]map[string]struct{} // room -> set of instanceID
	instanceRooms map[string]map[string]struct{} // instanceID -> set of room

	versions map[string]map[string]uint64 // instanceID -> subscriberID -> last known version
}

// New returns an empty Bus.
func New() *Bus {
	return &Bus{
		byInstance:    make(map[string]map[string]Subscriber),
		bySubscriber:  make(map[string]map[string]struct{}),
		roomMembers:   make(map[string]map[string]struct{}),
		instanceRooms: make(map[string]map[string]struct{}),
		versions:      make(map[string]map[string]uint64),
	}
}

// Subscribe attaches sub as a listener of instanceID's broadcast and room
// events.
func (b *Bus) Subscribe(instanceID string, sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.byInstance[instanceID] == nil {
		b.byInstance[instanceID] = make(map[string]Subscriber)
	}
	b.byInstance[instanceID][sub.ID()] = sub

	if b.bySubscriber[sub.ID()] == nil {
		b.bySubscriber[sub.ID()] = make(map[string]struct{})
	}
	b.bySubscriber[sub.ID()][instanceID] = struct{}{}
}

// Unsubscribe detaches one subscriber from one instance.
func (b *Bus) Unsubscribe(instanceID, subscriberID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.unsubscribeLocked(instanceID, subscriberID)
}

func (b *Bus) unsubscribeLocked(instanceID, subscriberID string) {
	if subs, ok := b.byInstance[instanceID]; ok {
		delete(subs, subscriberID)
		if len(subs) == 0 {
			delete(b.byInstance, instanceID)
		}
	}
	if insts, ok := b.bySubscriber[subscriberID]; ok {
		delete(insts, instanceID)
		if len(insts) == 0 {
			delete(b.bySubscriber, subscriberID)
		}
	}
	if versions, ok := b.versions[instanceID]; ok {
		delete(versions, subscriberID)
		if len(versions) == 0 {
			delete(b.versions, instanceID)
		}
	}
}

// UnsubscribeAll detaches subscriberID from every instance it is subscribed
// to, used when a connection closes.
func (b *Bus) UnsubscribeAll(subscriberID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	insts := b.bySubscriber[subscriberID]
	for instanceID := range insts {
		b.unsubscribeLocked(instanceID, subscriberID)
	}
}

// RemoveInstance drops every subscriber of instanceID and removes it from
// every room it joined, used when an instance unmounts.
func (b *Bus) RemoveInstance(instanceID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for subscriberID := range b.byInstance[instanceID] {
		b.unsubscribeLocked(instanceID, subscriberID)
	}
	delete(b.versions, instanceID)

	rooms := b.instanceRooms[instanceID]
	for room := range rooms {
		b.leaveRoomLocked(room, instanceID)
	}
}

// JoinRoom adds instanceID to room's membership.
func (b *Bus) JoinRoom(room, instanceID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.roomMembers[room] == nil {
		b.roomMembers[room] = make(map[string]struct{})
	}
	b.roomMembers[room][instanceID] = struct{}{}

	if b.instanceRooms[instanceID] == nil {
		b.instanceRooms[instanceID] = make(map[string]struct{})
	}
	b.instanceRooms[instanceID][room] = struct{}{}
}

// LeaveRoom removes instanceID from room's membership.
func (b *Bus) LeaveRoom(room, instanceID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.leaveRoomLocked(room, instanceID)
}

func (b *Bus) leaveRoomLocked(room, instanceID string) {
	if members, ok := b.roomMembers[room]; ok {
		delete(members, instanceID)
		if len(members) == 0 {
			delete(b.roomMembers, room)
		}
	}
	if rooms, ok := b.instanceRooms[instanceID]; ok {
		delete(rooms, room)
		if len(rooms) == 0 {
			delete(b.instanceRooms, instanceID)
		}
	}
}

// LeaveAllRooms removes instanceID from every room it joined, used when the
// instance unmounts.
func (b *Bus) LeaveAllRooms(instanceID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	rooms := b.instanceRooms[instanceID]
	for room := range rooms {
		b.leaveRoomLocked(room, instanceID)
	}
}

// Broadcast delivers update (typically a *protocol.StateUpdate) to every
// subscriber of instanceID, independent of the EventFrame scopes Publish
// builds.
func (b *Bus) Broadcast(instanceID string, update protocol.Update) error {
	return b.sendToInstance(instanceID, update)
}

// TrackVersion records subscriberID's last known version of instanceID's
// state. BroadcastVersioned consults this to decide whether a subscriber can
// take update's patch as-is or needs a forced full resync.
func (b *Bus) TrackVersion(instanceID, subscriberID string, version uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.versions[instanceID] == nil {
		b.versions[instanceID] = make(map[string]uint64)
	}
	b.versions[instanceID][subscriberID] = version
}

func (b *Bus) knownVersion(instanceID, subscriberID string) (uint64, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	v, ok := b.versions[instanceID][subscriberID]
	return v, ok
}

// BroadcastVersioned delivers update to every subscriber of instanceID,
// per-subscriber: a subscriber whose tracked version does not equal
// update.FromVersion has fallen behind (missed a transition, or just
// subscribed) and gets a forced full resync built from fullState instead of
// update's patch, satisfying (I3) — "a full-state resync if a gap is
// detected" — without every subscriber paying for one subscriber's gap.
func (b *Bus) BroadcastVersioned(instanceID string, update *protocol.StateUpdate, fullState json.RawMessage) error {
	b.mu.RLock()
	subs := make([]Subscriber, 0, len(b.byInstance[instanceID]))
	for _, sub := range b.byInstance[instanceID] {
		subs = append(subs, sub)
	}
	b.mu.RUnlock()

	var firstErr error
	for _, sub := range subs {
		frame := protocol.Update(update)
		if known, tracked := b.knownVersion(instanceID, sub.ID()); !tracked || known != update.FromVersion {
			full, err := diff.Build(instanceID, known, update.ToVersion, nil, fullState, true)
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			frame = full
		}
		if err := sub.Send(frame); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		b.TrackVersion(instanceID, sub.ID(), update.ToVersion)
	}
	return firstErr
}

// Publish delivers an event according to its scope. Delivery to individual
// subscribers is best-effort: a failed Send to one subscriber does not abort
// delivery to the rest, and Publish returns the first error encountered (if
// any) after attempting every delivery.
func (b *Bus) Publish(req PublishRequest) error {
	frame := &protocol.EventFrame{
		Type:           protocol.TypeEvent,
		Scope:          req.Scope,
		Name:           req.Name,
		Data:           req.Data,
		FromInstanceID: req.FromInstanceID,
		RequestID:      req.RequestID,
	}

	switch req.Scope {
	case protocol.ScopeSelf:
		if req.Origin == nil {
			return fmt.Errorf("eventbus: self-scoped publish requires an origin subscriber")
		}
		return req.Origin.Send(frame)

	case protocol.ScopeBroadcast:
		return b.sendToInstance(req.FromInstanceID, frame)

	case protocol.ScopeRoom:
		if req.Room == "" {
			return fmt.Errorf("eventbus: room-scoped publish requires a room name")
		}
		return b.sendToRoom(req.Room, frame)

	default:
		return fmt.Errorf("eventbus: unknown scope %q", req.Scope)
	}
}

func (b *Bus) sendToInstance(instanceID string, frame protocol.Update) error {
	b.mu.RLock()
	subs := make([]Subscriber, 0, len(b.byInstance[instanceID]))
	for _, sub := range b.byInstance[instanceID] {
		subs = append(subs, sub)
	}
	b.mu.RUnlock()

	var firstErr error
	for _, sub := range subs {
		if err := sub.Send(frame); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (b *Bus) sendToRoom(room string, frame protocol.Update) error {
	b.mu.RLock()
	instanceIDs := make([]string, 0, len(b.roomMembers[room]))
	for instanceID := range b.roomMembers[room] {
		instanceIDs = append(instanceIDs, instanceID)
	}
	b.mu.RUnlock()

	var firstErr error
	for _, instanceID := range instanceIDs {
		if err := b.sendToInstance(instanceID, frame); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
