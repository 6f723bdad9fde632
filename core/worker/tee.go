// SPDX-FileCopyrightText: © 2025 Katzenpost dev team
// SPDX-License-Identifier: AGPL-3.0-only

package worker

// Tee copies every value read from in to the branches a and b, projected
// through toA and toB.  A value is handed to each branch as soon as that
// branch is ready, so one branch may run ahead of the other by one value;
// buffered branch channels add to that slack.  A nil branch is skipped.
// Both branches are closed once in is closed or haltCh fires.
func Tee[T, A, B any](haltCh <-chan interface{}, in <-chan T, a chan<- A, toA func(T) A, b chan<- B, toB func(T) B) {
	defer func() {
		if a != nil {
			close(a)
		}
		if b != nil {
			close(b)
		}
	}()

	for {
		var v T
		select {
		case <-haltCh:
			return
		case x, ok := <-in:
			if !ok {
				return
			}
			v = x
		}

		aCh, bCh := a, b
		var va A
		var vb B
		if aCh != nil {
			va = toA(v)
		}
		if bCh != nil {
			vb = toB(v)
		}
		for aCh != nil || bCh != nil {
			select {
			case <-haltCh:
				return
			case aCh <- va:
				aCh = nil
			case bCh <- vb:
				bCh = nil
			}
		}
	}
}
