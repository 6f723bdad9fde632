// SPDX-FileCopyrightText: © 2025 Katzenpost dev team
// SPDX-License-Identifier: AGPL-3.0-only

package session

import (
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/hopr/core/worker"
)

// ReconstructorConfig parameterizes a FrameReconstructor.
type ReconstructorConfig struct {
	// Timeout applies to both reassembly and sequencing.
	Timeout time.Duration

	// Capacity bounds the incomplete frames and the reorder buffer.
	Capacity int

	// Inspector, if set, exposes the incomplete frames.
	Inspector *FrameInspector

	// AckCh, if set, receives the id of every reassembled frame.  It is
	// closed when the reconstructor is done.
	AckCh chan<- FrameID
}

// FrameReconstructor turns a stream of segments into an ordered stream of
// frames: segments are reassembled, the id of every complete frame goes
// to the acknowledgement channel while the frame itself is sequenced.
type FrameReconstructor struct {
	worker.Worker

	log *logging.Logger

	reassembler *Reassembler
	sequencer   *Sequencer
	tasks       worker.Group
}

// NewFrameReconstructor starts a reconstructor reading segments from inCh.
func NewFrameReconstructor(l *logging.Logger, inCh <-chan *Segment, cfg *ReconstructorConfig) (*FrameReconstructor, error) {
	r := &FrameReconstructor{
		log: loggerOrDiscard(l, "reconstructor"),
	}

	framesCh := make(chan *Frame)
	seqInCh := make(chan *Frame)
	seq, err := NewSequencer(r.log, seqInCh, cfg.Timeout, cfg.Capacity)
	if err != nil {
		return nil, err
	}
	r.sequencer = seq
	r.reassembler = NewReassembler(r.log, inCh, cfg.Timeout, cfg.Capacity, cfg.Inspector)

	r.tasks.Add(
		r.reassembler.Task(),
		r.Spawn("reassembly filter", func() error {
			r.filter(framesCh)
			return nil
		}),
		r.Spawn("tee", func() error {
			worker.Tee(r.HaltCh(), framesCh,
				cfg.AckCh, func(f *Frame) FrameID { return f.FrameID },
				seqInCh, func(f *Frame) *Frame { return f })
			return nil
		}),
		seq.Task(),
	)
	return r, nil
}

// Out returns the ordered frames, interleaved with FrameDiscardedError
// results for frames skipped by the sequencer.
func (r *FrameReconstructor) Out() <-chan FrameResult {
	return r.sequencer.Out()
}

// Tasks returns the handles of the pipeline stages.
func (r *FrameReconstructor) Tasks() []*worker.Task {
	return r.tasks.Tasks()
}

// Wait blocks until every stage returned.
func (r *FrameReconstructor) Wait() error {
	return r.tasks.Wait()
}

// Halt stops the pipeline.
func (r *FrameReconstructor) Halt() {
	r.reassembler.Halt()
	r.Worker.Halt()
	r.sequencer.Halt()
}

func (r *FrameReconstructor) filter(framesCh chan<- *Frame) {
	defer close(framesCh)
	for res := range r.reassembler.Out() {
		if res.Err != nil {
			r.log.Debugf("Failed to reassemble frame: %v", res.Err)
			continue
		}
		select {
		case framesCh <- res.Frame:
		case <-r.HaltCh():
			return
		}
	}
}
