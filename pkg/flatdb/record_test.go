package flatdb

// testRecord is a minimal Record used across the package's tests: its
// payload is just its key restated as an 8-byte big-endian value, so a
// round trip through encode/decode can be checked without a real codec.
type testRecord struct {
	key     uint64
	payload []byte
}

func (r testRecord) Key() uint64    { return r.key }
func (r testRecord) Encode() []byte { return r.payload }

func newTestRecord(key uint64, payloadLen int) testRecord {
	p := make([]byte, payloadLen)
	for i := range p {
		p[i] = byte(key + uint64(i))
	}
	return testRecord{key: key, payload: p}
}

func testCreateRecord(key uint64, payload []byte) (Record, error) {
	buf := make([]byte, len(payload))
	copy(buf, payload)
	return testRecord{key: key, payload: buf}, nil
}
