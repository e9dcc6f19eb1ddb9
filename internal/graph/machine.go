package graph

import (
	"context"
	"crypto/rand"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
)

// RunOptions configure one run of a compiled machine.
type RunOptions struct {
	// RunID identifies the run in logs and checkpoints. Generated when
	// empty.
	RunID string
	// OnEvent, when set, receives (node id, merged delta) after every
	// node completes. Called synchronously; the run does not advance
	// until it returns.
	OnEvent func(nodeID string, delta Delta)
	// Checkpoint, when set, persists the state after every node.
	Checkpoint *Checkpointer
}

func (o *RunOptions) applyDefaults() {
	if o.RunID == "" {
		o.RunID = NewRunID()
	}
}

// NewRunID returns a sortable run identifier.
func NewRunID() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String()
}

// Run drives the machine from its entry to the terminal sentinel.
//
// The walk is strictly serialized: one node at a time, state merged
// before the next dispatch. Node-level failures are written into the
// state (error + is_complete) and end the run without a Go error;
// cancellation and the runaway cap surface as errors.
func (m *Machine) Run(ctx context.Context, st State, ec *ExecContext, opts RunOptions) (State, error) {
	opts.applyDefaults()

	maxIter := st.Int(KeyMaxIterations)
	if maxIter <= 0 {
		maxIter = 100
	}
	// Safety cap independent of any iteration-gate node: malformed loops
	// must still terminate.
	stepBudget := maxIter * 4

	log := ec.Logger.With().Str("run_id", opts.RunID).Str("workflow_id", m.workflowID).Logger()
	log.Info().Str("entry", m.entry).Int("step_budget", stepBudget).Msg("run start")
	started := time.Now()

	steps := 0
	nodeID := m.entry
	for nodeID != terminal {
		// Cancellation is honored between nodes only; an in-flight model
		// call runs to completion first.
		if err := ctx.Err(); err != nil {
			log.Warn().Int("steps", steps).Msg("run canceled")
			return st, fmt.Errorf("%w at node %q: %v", ErrCanceled, nodeID, context.Cause(ctx))
		}
		if steps >= stepBudget {
			log.Error().Int("steps", steps).Msg("runaway cap hit")
			return st, fmt.Errorf("%w: %d node invocations (max_iterations=%d)", ErrRunaway, steps, maxIter)
		}

		cn, ok := m.nodes[nodeID]
		if !ok {
			return st, fmt.Errorf("run %s: wiring references unknown node %q", opts.RunID, nodeID)
		}

		nodeStart := time.Now()
		delta, err := m.executeNode(ctx, cn, st, ec)
		if err != nil {
			// Non-recoverable node failure: record and short-circuit.
			log.Error().Str("node", nodeID).Err(err).Msg("node failed")
			Merge(st, Delta{KeyError: err.Error(), KeyIsComplete: true})
			if opts.OnEvent != nil {
				opts.OnEvent(nodeID, Delta{KeyError: err.Error(), KeyIsComplete: true})
			}
			break
		}
		Merge(st, delta)
		steps++

		log.Debug().Str("node", nodeID).
			Dur("duration", time.Since(nodeStart)).
			Int("iteration", st.Int(KeyIteration)).
			Msg("node complete")

		if opts.OnEvent != nil {
			opts.OnEvent(nodeID, delta)
		}
		if opts.Checkpoint != nil {
			if cerr := opts.Checkpoint.Write(st); cerr != nil {
				log.Warn().Err(cerr).Msg("checkpoint write failed")
			}
		}

		next, err := m.nextNode(cn, st)
		if err != nil {
			Merge(st, Delta{KeyError: err.Error(), KeyIsComplete: true})
			break
		}
		nodeID = next
	}

	log.Info().
		Int("steps", steps).
		Dur("duration", time.Since(started)).
		Bool("is_complete", st.Bool(KeyIsComplete)).
		Str("error", st.Str(KeyError)).
		Msg("run complete")
	return st, nil
}

// executeNode invokes one node with panic containment. A panicking node
// is treated as a node failure, not a process fault.
func (m *Machine) executeNode(ctx context.Context, cn *compiledNode, st State, ec *ExecContext) (delta Delta, err error) {
	defer func() {
		if r := recover(); r != nil {
			delta = nil
			err = fmt.Errorf("node %q panicked: %v", cn.id, r)
		}
	}()
	return cn.ntype.Execute(ctx, st, ec, cn.cfg)
}

// nextNode resolves the successor of cn under the current state.
func (m *Machine) nextNode(cn *compiledNode, st State) (string, error) {
	if !cn.conditional {
		return cn.direct, nil
	}
	port := cn.route(st)
	if target, ok := cn.portTargets[port]; ok {
		return target, nil
	}
	// Routing produced a port with no wired edge: fall back to the
	// configured default port.
	if target, ok := cn.portTargets[cn.defaultPort]; ok {
		return target, nil
	}
	return "", fmt.Errorf("node %q routed to unwired port %q", cn.id, port)
}
