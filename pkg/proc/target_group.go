package proc

import (
	"errors"
	"path/filepath"
	"sort"
	"strings"

	"github.com/flxtrace/flxtrace/pkg/event"
	"github.com/flxtrace/flxtrace/pkg/logflags"
)

// GroupConfig is the configuration shared by every target of a group.
type GroupConfig struct {
	// Targets are the image names of the processes to trace.
	Targets []string
	// ExeDir is the host directory holding the images of the targets.
	ExeDir           string
	Instrument       []string
	ExtraEntryPoints []uint64
}

// TargetGroup owns every traced process of a guest, keyed by address space
// id. Events are routed to the target owning the current address space.
type TargetGroup struct {
	be  Backend
	cfg GroupConfig

	targets map[uint64]*Target
	// ignored holds the address spaces of processes that are not traced,
	// failed to attach or exited.
	ignored map[uint64]bool
	failed  map[uint64]error

	attachHooks []func(*Target) error
}

// NewGroup creates an empty group.
func NewGroup(be Backend, cfg GroupConfig) *TargetGroup {
	return &TargetGroup{
		be:      be,
		cfg:     cfg,
		targets: make(map[uint64]*Target),
		ignored: make(map[uint64]bool),
		failed:  make(map[uint64]error),
	}
}

// OnAttach registers fn to be called for every new target, before any of
// its events are routed. An error aborts the attachment of that target.
func (grp *TargetGroup) OnAttach(fn func(*Target) error) {
	grp.attachHooks = append(grp.attachHooks, fn)
}

// Targets returns the live targets sorted by address space id.
func (grp *TargetGroup) Targets() []*Target {
	r := make([]*Target, 0, len(grp.targets))
	for _, t := range grp.targets {
		r = append(r, t)
	}
	sort.Slice(r, func(i, j int) bool { return r[i].ASID < r[j].ASID })
	return r
}

// Target returns the target for address space asid.
func (grp *TargetGroup) Target(asid uint64) (*Target, bool) {
	t, ok := grp.targets[asid]
	return t, ok
}

// AttachFailures returns the attach errors recorded so far, keyed by
// address space id.
func (grp *TargetGroup) AttachFailures() map[uint64]error {
	r := make(map[uint64]error, len(grp.failed))
	for asid, err := range grp.failed {
		r[asid] = err
	}
	return r
}

func (grp *TargetGroup) wanted(name string) bool {
	for _, target := range grp.cfg.Targets {
		if strings.EqualFold(target, name) {
			return true
		}
	}
	return false
}

// HandleEvent routes raw to the target owning the current address space.
// Events of untraced processes are dropped. A target failing to attach is
// dropped without affecting the others.
func (grp *TargetGroup) HandleEvent(raw event.Raw) error {
	asid, err := grp.be.Engine.ControlRegister("cr3")
	if err != nil {
		return err
	}
	t := grp.targetFor(asid)
	if t == nil {
		return nil
	}
	err = t.HandleEvent(grp.be.OS.CurrentThreadID(), raw)
	var attachErr *AttachError
	if errors.As(err, &attachErr) {
		grp.fail(asid, err)
		t.Terminate()
		delete(grp.targets, asid)
		return nil
	}
	if t.State() == StateTerminated {
		grp.reap(t)
	}
	return err
}

// targetFor returns the target of asid, attaching to the process if it is
// one of the configured targets.
func (grp *TargetGroup) targetFor(asid uint64) *Target {
	if t, ok := grp.targets[asid]; ok {
		return t
	}
	if grp.ignored[asid] {
		return nil
	}
	procs, err := grp.be.OS.Processes()
	if err != nil {
		logflags.TargetLogger().Errorf("could not enumerate processes: %v", err)
		return nil
	}
	for _, p := range procs {
		if p.ASID != asid {
			continue
		}
		if !grp.wanted(p.Name) {
			grp.ignored[asid] = true
			return nil
		}
		t, _ := grp.Attach(p)
		return t
	}
	return nil
}

// Attach starts tracing process p.
func (grp *TargetGroup) Attach(p ProcessInfo) (*Target, error) {
	t, err := NewTarget(grp.be, TargetConfig{
		Name:             p.Name,
		ImagePath:        filepath.Join(grp.cfg.ExeDir, p.Name),
		ASID:             p.ASID,
		Instrument:       grp.cfg.Instrument,
		ExtraEntryPoints: grp.cfg.ExtraEntryPoints,
	})
	if err != nil {
		grp.fail(p.ASID, err)
		return nil, err
	}
	for _, fn := range grp.attachHooks {
		if err := fn(t); err != nil {
			err = &AttachError{Name: p.Name, Err: err}
			grp.fail(p.ASID, err)
			t.Terminate()
			return nil, err
		}
	}
	grp.targets[p.ASID] = t
	logflags.TargetLogger().Infof("attached to %s (pid %d)", p.Name, p.PID)
	return t, nil
}

func (grp *TargetGroup) fail(asid uint64, err error) {
	grp.failed[asid] = err
	grp.ignored[asid] = true
	logflags.TargetLogger().WithField("asid", asid).Errorf("%v", err)
}

func (grp *TargetGroup) reap(t *Target) {
	delete(grp.targets, t.ASID)
	grp.ignored[t.ASID] = true
	if logflags.Target() {
		logflags.TargetLogger().Debugf("reaped %s", t.Name)
	}
}

// UpdateLibrary notifies the target of asid that libname was loaded,
// attaching to the process first if it is one of the configured targets.
// It returns false if the address space is not traced or the library is
// not mapped.
func (grp *TargetGroup) UpdateLibrary(asid uint64, libname string) (bool, error) {
	t := grp.targetFor(asid)
	if t == nil {
		return false, nil
	}
	found, err := t.UpdateLibrary(libname)
	if err != nil && t.State() == StateAttached {
		err = &AttachError{Name: t.Name, Err: err}
		grp.fail(asid, err)
		t.Terminate()
		delete(grp.targets, asid)
		return false, nil
	}
	return found, err
}

// Detach terminates the target of asid.
func (grp *TargetGroup) Detach(asid uint64) error {
	t, ok := grp.targets[asid]
	if !ok {
		return nil
	}
	err := t.Terminate()
	grp.reap(t)
	return err
}

// Close terminates every target of the group.
func (grp *TargetGroup) Close() error {
	var err0 error
	for _, t := range grp.Targets() {
		if err := grp.Detach(t.ASID); err != nil && err0 == nil {
			err0 = err
		}
	}
	return err0
}
