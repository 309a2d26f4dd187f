// Package limits provides centralized size constants and validation functions
// for the peerdrop transfer protocol. Every component that reads data from the
// network validates lengths against these limits before allocating memory.
//
// # Limits
//
//   - DefaultBufferSize (4096 bytes): The chunk size used by both session
//     engines when none is configured.
//
//   - MinBufferSize / MaxBufferSize (1 byte / 16 MiB): Bounds for the chunk
//     size knob. The chunk size only affects resource usage; it never changes
//     the bytes that end up on disk.
//
//   - MaxPathLength (4096 bytes): The largest relative path accepted in a
//     request or a file header.
//
//   - MaxFileCount: The largest number of files announced by one transfer
//     frame.
//
//   - MaxStatusMessage (1024 bytes): The largest human readable message carried
//     in a response frame.
//
// # Validation Functions
//
//	if err := limits.ValidateBufferSize(size); err != nil {
//	    // errors.Is(err, limits.ErrBufferSize)
//	}
//
//	if err := limits.ValidatePathLength(path); err != nil {
//	    // errors.Is(err, limits.ErrPathEmpty) or errors.Is(err, limits.ErrPathTooLong)
//	}
package limits
