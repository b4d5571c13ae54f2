package bluelet

import "bytes"

const readLineChunk = 4096

// ReadLine returns a sub-fiber (to be run via Delegate) that repeatedly
// issues Recv events, appending to the connection's internal buffer,
// until sep appears. It resumes the delegator with the line including
// sep; any bytes read past the separator stay buffered for the next
// ReadLine call. Recv reads the socket directly and does not return
// bytes held in this buffer. On EOF with a
// non-empty partial line buffered, that partial line is returned once;
// a clean EOF with nothing buffered resumes with a nil value.
func (c *Connection) ReadLine(sep []byte) FiberFunc {
	return func(y *Yielder) (interface{}, error) {
		for {
			if idx := bytes.Index(c.lineBuf, sep); idx >= 0 {
				line := append([]byte(nil), c.lineBuf[:idx+len(sep)]...)
				c.lineBuf = c.lineBuf[idx+len(sep):]
				return line, nil
			}

			v, err := y.Yield(c.Recv(readLineChunk))
			if err != nil {
				return nil, err
			}
			chunk, _ := v.([]byte)
			if len(chunk) == 0 {
				if len(c.lineBuf) == 0 {
					return nil, nil
				}
				line := append([]byte(nil), c.lineBuf...)
				c.lineBuf = nil
				return line, nil
			}
			c.lineBuf = append(c.lineBuf, chunk...)
		}
	}
}
