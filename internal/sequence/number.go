package sequence

// Number is a monotonic 64-bit sequence counter. Each direction of each
// route segment numbers its parcels independently, starting at zero.
type Number uint64
