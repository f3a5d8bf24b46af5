package stream

import "bytes"

// InsertPrefix returns the first n bytes of b with prefix inserted after every
// newline that is followed by at least one more byte. A chunk with no newline
// comes back unchanged.
func InsertPrefix(b []byte, n int, prefix []byte) []byte {
	if n > len(b) {
		n = len(b)
	}
	if n < 0 {
		n = 0
	}
	in := b[:n]
	if len(prefix) == 0 {
		return append([]byte(nil), in...)
	}
	// newlines that are the very last byte do not get a prefix
	cnt := bytes.Count(in[:max(n-1, 0)], []byte{'\n'})
	out := make([]byte, 0, n+cnt*len(prefix))
	for len(in) > 0 {
		i := bytes.IndexByte(in, '\n')
		if i < 0 || i == len(in)-1 {
			out = append(out, in...)
			break
		}
		out = append(out, in[:i+1]...)
		out = append(out, prefix...)
		in = in[i+1:]
	}
	return out
}
