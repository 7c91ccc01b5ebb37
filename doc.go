// `trama` moves parcels between processes through `Portal` pairs,
// regardless of where the two ends live: the same goroutine, the same
// process, or two processes sharing a machine.
//
// A `Portal` always has exactly one peer. Whatever one side `Put`s, the
// other side `Get`s, in order. Portals themselves travel inside parcels:
// hand a portal to another process and the pair keeps working, with the
// fabric re-routing and then *shortening* the path behind the scenes
// until the two ends talk directly again.
//
// ## How it works
//
// Everything starts with a `Node` per process. One node per fabric is
// the `Broker`: it names the other nodes and introduces them to each
// other. Nodes are stitched together over a `driver.Transport`, an
// ordered reliable byte channel the embedding application provides, and
// exchange bulk data through `driver.Memory`, a shareable buffer mapped
// on both sides.
//
// Connecting two nodes mints a batch of *initial portal* pairs. From
// there the fabric grows by value: new pairs from `OpenPortals`, moved
// ends via `Put`, third processes joined through broker introductions,
// none of which the application has to orchestrate.
//
// Parcels carry bytes plus `Handle`s: moving portals, or driver objects
// boxed with `Box`. Small payloads ride shared memory, large ones ride
// the transport; neither end can tell the difference.
//
// ## Design Principles
//
// Portals MUST NOT pretend the fabric is infallible. When a transport
// dies, every portal whose route crossed it observes a closed peer, and
// the application decides what to do next. Errors are classified by a
// small sentinel taxonomy (`ErrUnavailable`, `ErrNotFound`, ...) so
// callers branch with `errors.Is`.
//
// No operation blocks. `Get` with an empty queue fails instead of
// waiting; readiness is delivered through one-shot `Trap`s, which fire
// on the goroutine that changed the portal's state. The only blocking
// call in the whole surface is the blocking flavor of `Trap.Destroy`.
//
// The driver boundary is deliberately thin: transports, shareable
// memory, and nothing else. `driver/memdriver` runs a whole fabric
// inside one process for tests and examples; `driver/shmdriver` backs
// it with memfd-based shared memory and Unix sockets on Linux.
package trama
