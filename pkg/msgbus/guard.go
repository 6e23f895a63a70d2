package msgbus

// Guard ties a subscription handle to its bus so teardown is a single Close
// call. The zero value is an empty guard.
//
//	sub := msgbus.NewGuard(bus, bus.Subscribe(topicSensor, onSensor, msgbus.Deferred, 0))
//	defer sub.Close()
type Guard struct {
	bus *Bus
	id  SubscriptionID
}

// NewGuard wraps an existing subscription handle. An invalid handle yields
// an empty guard.
func NewGuard(bus *Bus, id SubscriptionID) Guard {
	if bus == nil || id == InvalidSubscription {
		return Guard{}
	}
	return Guard{bus: bus, id: id}
}

// Close unsubscribes. Idempotent; safe on the zero value.
func (g *Guard) Close() {
	if g.id != InvalidSubscription && g.bus != nil {
		g.bus.Unsubscribe(g.id)
		g.id = InvalidSubscription
		g.bus = nil
	}
}

// Valid reports whether the guard holds a live subscription.
func (g *Guard) Valid() bool { return g.id != InvalidSubscription }

// ID returns the underlying handle.
func (g *Guard) ID() SubscriptionID { return g.id }

// Group collects guards so related subscriptions are torn down together,
// typically one Group per page or component.
type Group struct {
	bus    *Bus
	guards []Guard
}

// NewGroup creates a group bound to bus.
func NewGroup(bus *Bus) *Group {
	g := new(Group)
	g.bus = bus
	return g
}

// Add registers a handle with the group. Invalid handles are ignored.
func (g *Group) Add(id SubscriptionID) {
	if id == InvalidSubscription {
		return
	}
	g.guards = append(g.guards, NewGuard(g.bus, id))
}

// Subscribe subscribes on the group's bus and tracks the result.
func (g *Group) Subscribe(topic Topic, cb Callback, mode DeliveryMode) SubscriptionID {
	id := g.bus.Subscribe(topic, cb, mode, 0)
	g.Add(id)
	return id
}

// Len returns the number of live guards.
func (g *Group) Len() int { return len(g.guards) }

// Close unsubscribes everything in the group. Idempotent.
func (g *Group) Close() {
	for i := range g.guards {
		g.guards[i].Close()
	}
	g.guards = g.guards[:0]
}
