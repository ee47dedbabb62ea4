// Copyright 2025 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Package fiber implements a cooperative scheduler in which every replication
// group is driven by exactly one dispatcher goroutine.
//
// A Fiber is a stack of Frames. A frame does not block: each of its steps
// returns a Step that tells the dispatcher what to do next (return to the
// caller frame, call a child frame, suspend on a Condition or Future, sleep,
// or fail). Between two suspension points a fiber runs without interruption,
// and no two fibers of the same Group ever run concurrently, so state owned by
// a group needs no locking as long as it is only touched from its dispatcher
// goroutine.
//
// Other goroutines (I/O completions, clients) talk to a group only through
// the dispatcher's Queue: Group.Execute, Group.FireFiber, Future.FireComplete
// and friends.
//
// A typical frame:
//
//	type loadFrame struct {
//		fiber.FrameBase
//		f *fiber.Future[[]byte]
//	}
//
//	func (l *loadFrame) Execute() fiber.Step {
//		return l.f.Await(l.afterRead)
//	}
//
//	func (l *loadFrame) afterRead(b []byte) fiber.Step {
//		return fiber.ReturnValue(len(b))
//	}
package fiber
