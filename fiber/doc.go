// Package fiber provides a stackful, cooperatively-scheduled coroutine
// primitive.
//
// # Translation note
//
// The reference design switches machine contexts with the platform
// make/get/set-context family plus setjmp/longjmp. Go exposes neither, but
// every Fiber already gets an independently-growable stack for free by
// running its entry function on a dedicated goroutine; a Fiber is therefore
// a goroutine plus a pair of unbuffered "baton" channels that guarantee
// exactly one side (the resumer or the resumee) is ever runnable at a time,
// which reproduces the INIT/HODL/EXEC/EXCEPT/TERM lifecycle and the "at most
// one EXEC fiber per thread" invariant without an extra scheduler of its
// own. "Who am I" (spec.md's GetThis) is resolved the same way
// eventloop.Loop resolves its owning goroutine (see internal/gid): a
// goroutine-id-keyed map, populated once per fiber goroutine on first run,
// and lazily on first query for any goroutine that never had a Fiber of its
// own (the "thread entry" fiber).
//
// # Usage
//
//	f := fiber.New(func(self *fiber.Fiber) error {
//	    fmt.Println("hello from fiber")
//	    if err := self.Yield(); err != nil {
//	        return err
//	    }
//	    fmt.Println("resumed")
//	    return nil
//	})
//	_ = f.Call() // prints "hello from fiber"
//	_ = f.Call() // prints "resumed"
package fiber
