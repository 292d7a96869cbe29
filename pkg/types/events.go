package types

// UpdateEvent is something the device session tells the rest of the system:
// a parameter mutation, a completed motion, or one continuous-mode sample.
// Events live for a single broadcast and are not persisted.
type UpdateEvent interface {
	// Body is the flat JSON object sent to persistent-channel subscribers.
	Body() map[string]any
}

// ParameterChanged is published after a parameter mutation has been
// acknowledged by the device and applied to the state store.
type ParameterChanged struct {
	Name  string
	Value int64
}

func (e ParameterChanged) Body() map[string]any {
	return map[string]any{e.Name: e.Value}
}

// PositionReached is published when a device reports that a previously
// commanded motion has completed.
type PositionReached struct {
	Value int64
}

func (e PositionReached) Body() map[string]any {
	return map[string]any{"position_reached": e.Value}
}

// Sample is one continuous-mode report from the device, e.g.
// {"temperature": 1145, "humidity": 1919}.
type Sample struct {
	Fields map[string]int64
}

func (e Sample) Body() map[string]any {
	m := make(map[string]any, len(e.Fields))
	for k, v := range e.Fields {
		m[k] = v
	}
	return m
}
