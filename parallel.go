package machine

import (
	"fmt"
)

// fork queues one child thread per branch of a parallel step and parks the
// calling thread until they have all finished. Children start from a copy of
// the variables visible at the fork.
func (m *vm) fork(t *Thread, step *Step) error {
	snapshot := deepCopyMap(m.st.visible(t))
	join := &Join{Step: step.ID}
	for i, branch := range step.Branches {
		f := newFrame(FrameBranch, step.ID, deepCopyMap(snapshot))
		f.Out = branch.Out
		if len(f.Out) == 0 {
			f.Out = []string{AllVariables}
		}
		f.push(stepCommands(branch.Steps)...)
		join.Queued = append(join.Queued, f)
		join.QueuedNames = append(join.QueuedNames, branchName(branch, i))
	}
	m.park(t, step, join)
	return nil
}

// forkLoop queues one child thread per loop item, at most Parallelism of
// which are live at a time.
func (m *vm) forkLoop(t *Thread, step *Step, items []any) {
	snapshot := deepCopyMap(m.st.visible(t))
	join := &Join{Step: step.ID, Limit: step.Loop.Parallelism, Collect: true}
	out := append([]string{}, step.Out...)
	if step.Output != "" {
		out = append(out, step.Output)
	}
	for i, item := range items {
		vars := deepCopyMap(snapshot)
		vars[loopVariable(step)] = item
		vars["index"] = i
		f := newFrame(FrameBranch, step.ID, vars)
		f.Out = out
		f.push(Command{Op: OpStep, Step: step.ID, Arg: stageLoop})
		join.Queued = append(join.Queued, f)
		join.QueuedNames = append(join.QueuedNames, fmt.Sprintf("%s[%d]", step.Name, i))
	}
	m.park(t, step, join)
}

func (m *vm) park(t *Thread, step *Step, join *Join) {
	t.top().push(Command{Op: OpJoin, Step: step.ID})
	t.Status = ThreadJoining
	t.Join = join
	m.logger.Debug("forked threads", "thread", t.ID, "step", step.Name, "children", len(join.Queued))
}

func branchName(branch *Branch, index int) string {
	if branch.Name != "" {
		return branch.Name
	}
	return fmt.Sprintf("branch-%d", index)
}

// advanceJoins admits queued children while the limit allows and wakes the
// joining threads whose children have all finished. Once a child fails, no
// further children are admitted.
func (m *vm) advanceJoins() {
	for _, id := range m.st.ThreadIDs() {
		t := m.st.Threads[id]
		if t.Status != ThreadJoining || t.Join == nil {
			continue
		}
		join := t.Join
		live := 0
		for _, cid := range join.Children {
			child := m.st.Threads[cid]
			switch {
			case child.Status == ThreadFailed:
				join.Failed = true
			case !child.Status.Terminal():
				live++
			}
		}
		if join.Failed && len(join.Queued) > 0 {
			m.logger.Debug("join failed, dropping queued threads", "thread", t.ID, "dropped", len(join.Queued))
			join.Queued = nil
			join.QueuedNames = nil
		}
		for len(join.Queued) > 0 && (join.Limit <= 0 || live < join.Limit) {
			child := m.st.newThread(t.ID, join.QueuedNames[0], join.Queued[0])
			join.Queued = join.Queued[1:]
			join.QueuedNames = join.QueuedNames[1:]
			join.Children = append(join.Children, child.ID)
			live++
		}
		if len(join.Queued) == 0 && live == 0 {
			t.Status = ThreadRunnable
		}
	}
}

// join merges the results of the children of a parallel step into the
// current frame, in declaration order, and releases the child threads.
func (m *vm) join(t *Thread, step *Step) error {
	join := t.Join
	t.Join = nil
	if join == nil {
		return fmt.Errorf("no threads to join for step %q", step.Name)
	}
	defer func() {
		for _, cid := range join.Children {
			delete(m.st.Threads, cid)
		}
	}()

	var failures []*BranchFailure
	for _, cid := range join.Children {
		child := m.st.Threads[cid]
		if child.Status == ThreadFailed {
			failures = append(failures, &BranchFailure{Branch: child.Branch, Thread: cid, Err: child.Err.Err()})
		}
	}
	if len(failures) > 0 {
		return &JoinFailure{Step: step.Name, Location: step.Location, Failures: failures}
	}

	frame := t.top()
	visible := m.st.visible(t)
	results := make([]any, 0, len(join.Children))
	branches := map[string]any{}
	for _, cid := range join.Children {
		child := m.st.Threads[cid]
		outs := copyMap(child.Result)
		if join.Collect && step.Output != "" {
			results = append(results, outs[step.Output])
			delete(outs, step.Output)
		}
		branches[child.Branch] = child.Result
		for _, name := range sortedKeys(outs) {
			// Variables a branch inherited unchanged are not merged back
			if current, ok := visible[name]; ok && sameValue(current, outs[name]) {
				continue
			}
			frame.Vars[name] = outs[name]
		}
	}
	if step.Output != "" {
		if join.Collect {
			frame.Vars[step.Output] = results
		} else {
			frame.Vars[step.Output] = branches
		}
	}
	return nil
}
