// Package cursor implements a hardware cursor spread over several
// outputs.
//
// Each output gets its own cursor buffer holding the image rotated for
// that output's orientation. Moving the cursor maps the logical position
// into each output's scanout pixels; outputs the cursor does not overlap
// have their cursor cleared.
package cursor
