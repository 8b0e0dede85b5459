package machine

// formEventPrefix prefixes the event awaited by a form step.
const formEventPrefix = "form:"

// FormEvent returns the name of the event that resumes the form step with
// the given name.
func FormEvent(name string) string {
	return formEventPrefix + name
}

// execSuspend parks the thread until one of the step's events arrives. An
// event that is already queued is consumed immediately, so delivering an
// event before or after the thread parks has the same effect. The payload of
// the received event is bound to the step output.
func (m *vm) execSuspend(t *Thread, step *Step, resumed int) {
	m.await(t, step, step.Events, resumed)
}

// execForm parks the thread until the form is submitted.
func (m *vm) execForm(t *Thread, step *Step, resumed int) {
	m.await(t, step, []string{FormEvent(step.Name)}, resumed)
}

func (m *vm) await(t *Thread, step *Step, events []string, resumed int) {
	if resumed == 0 {
		event, ok := m.takeEvent(events)
		if !ok {
			t.top().push(Command{Op: OpBody, Step: step.ID, Arg: 1})
			m.suspend(t, step, events)
			return
		}
		m.deliver(t, event)
	}
	if step.Output == "" {
		return
	}
	var payload any
	if received, ok := t.top().Vars[eventVariable].(map[string]any); ok {
		payload = received["payload"]
	}
	m.bind(t, step.Output, payload)
}

func (m *vm) suspend(t *Thread, step *Step, events []string) {
	t.Status = ThreadSuspended
	t.Awaiting = append([]string{}, events...)
	m.logger.Info("thread suspended", "thread", t.ID, "step", step.Name, "events", events)
}

// takeEvent removes and returns the first queued event matching one of the
// given names.
func (m *vm) takeEvent(names []string) (*Event, bool) {
	for i, event := range m.st.Events {
		for _, name := range names {
			if event.Name == name {
				m.st.Events = append(m.st.Events[:i:i], m.st.Events[i+1:]...)
				return event, true
			}
		}
	}
	return nil, false
}

// deliver binds an event to the top frame of a thread and makes it
// runnable.
func (m *vm) deliver(t *Thread, event *Event) {
	t.top().Vars[eventVariable] = map[string]any{
		"name":    event.Name,
		"payload": event.Payload,
	}
	t.Status = ThreadRunnable
	t.Awaiting = nil
	m.logger.Debug("event delivered", "thread", t.ID, "event", event.Name)
}

// deliverEvents hands queued events, in arrival order, to the lowest
// numbered thread waiting for each. Events nobody waits for stay queued.
func (m *vm) deliverEvents() {
	if len(m.st.Events) == 0 {
		return
	}
	var pending []*Event
	for _, event := range m.st.Events {
		var target *Thread
		for _, id := range m.st.ThreadIDs() {
			if t := m.st.Threads[id]; t.awaits(event.Name) {
				target = t
				break
			}
		}
		if target == nil {
			pending = append(pending, event)
			continue
		}
		m.deliver(target, event)
	}
	m.st.Events = pending
}
