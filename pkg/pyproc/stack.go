package pyproc

// FrameChain is the foreign call stack of one interpreter thread,
// collected by following frame back-pointers from the innermost frame.
// One frame is always selected; the inspection commands move the
// selection up (toward callers) and down again.
type FrameChain struct {
	t      *Target
	frames []uint64 // innermost first
	cur    int
}

// NewFrameChain walks the back-pointer chain rooted at the frame object
// at root. The walk stops at the safety ceiling, on a cycle, or at the
// first unreadable link, keeping whatever prefix was sound.
func (t *Target) NewFrameChain(root uint64) (*FrameChain, error) {
	if _, err := t.layouts.Lookup("PyFrameObject"); err != nil {
		return nil, err
	}
	if root == 0 {
		return nil, &NullObjectError{Addr: 0}
	}

	var frames []uint64
	seen := make(map[uint64]bool)
	for addr := root; addr != 0 && !seen[addr] && len(frames) < safetyCeiling; {
		seen[addr] = true
		frames = append(frames, addr)
		obj, err := t.NewObject(addr, "PyFrameObject")
		if err != nil {
			return nil, err
		}
		back, err := obj.FieldPtr("f_back")
		if err != nil {
			t.log.Debugf("frame chain %#x: unreadable f_back: %v", addr, err)
			break
		}
		addr = back
	}
	return &FrameChain{t: t, frames: frames}, nil
}

// Depth returns the number of frames in the chain.
func (c *FrameChain) Depth() int { return len(c.frames) }

// Index returns the selected frame's position, 0 being the innermost.
func (c *FrameChain) Index() int { return c.cur }

// At returns the address of the i-th frame, innermost first.
func (c *FrameChain) At(i int) (uint64, bool) {
	if i < 0 || i >= len(c.frames) {
		return 0, false
	}
	return c.frames[i], true
}

// Select makes the i-th frame current.
func (c *FrameChain) Select(i int) bool {
	if i < 0 || i >= len(c.frames) {
		return false
	}
	c.cur = i
	return true
}

// Up selects the caller of the current frame.
func (c *FrameChain) Up() bool { return c.Select(c.cur + 1) }

// Down selects the frame called by the current frame.
func (c *FrameChain) Down() bool { return c.Select(c.cur - 1) }

// Current returns the selected frame's address.
func (c *FrameChain) Current() uint64 {
	if len(c.frames) == 0 {
		return 0
	}
	return c.frames[c.cur]
}

// Snapshot reifies the selected frame.
func (c *FrameChain) Snapshot() (*FrameSnapshot, error) {
	return c.t.FrameSnapshot(c.Current())
}

// ThreadFrames returns the innermost frame address of every thread of
// the interpreter whose state sits at interpAddr, newest thread first,
// the way the interpreter links them. Threads currently running no
// bytecode (null frame) are skipped.
func (t *Target) ThreadFrames(interpAddr uint64) ([]uint64, error) {
	interp, err := t.NewObject(interpAddr, "PyInterpreterState")
	if err != nil {
		return nil, err
	}
	tstate, err := interp.FieldPtr("tstate_head")
	if err != nil {
		return nil, err
	}

	var roots []uint64
	seen := make(map[uint64]bool)
	for tstate != 0 && !seen[tstate] && len(roots) < safetyCeiling {
		seen[tstate] = true
		ts, err := t.NewObject(tstate, "PyThreadState")
		if err != nil {
			return nil, err
		}
		frame, err := ts.FieldPtr("frame")
		if err != nil {
			t.log.Debugf("thread state %#x: unreadable frame: %v", tstate, err)
			break
		}
		if frame != 0 {
			roots = append(roots, frame)
		}
		next, err := ts.FieldPtr("next")
		if err != nil {
			t.log.Debugf("thread state %#x: unreadable next: %v", tstate, err)
			break
		}
		tstate = next
	}
	return roots, nil
}
