package serializer

import (
	"bufio"
	"bytes"
	"net/http"
	"strconv"
	"time"
)

const storedAtHeaderName = "Offline-Stored-At"

// StoredResponse is a cached response together with the time it was
// written to the cache. The timestamp drives lazy max-age expiry.
type StoredResponse struct {
	Response *http.Response
	StoredAt time.Time
}

// ToBytes serializes a stored response into its HTTP/1.1 wire
// representation, with the storage timestamp carried in a header.
func ToBytes(sRes StoredResponse) ([]byte, error) {
	res := sRes.Response
	res.Header.Set(storedAtHeaderName, strconv.FormatInt(sRes.StoredAt.Unix(), 10))
	buf := &bytes.Buffer{}
	err := res.Write(buf)
	res.Header.Del(storedAtHeaderName)
	if err != nil {
		return nil, err
	}
	// res.Write consumes the body, so restore it from the buffer
	bts := buf.Bytes()
	if clonedRes, cloneErr := readResponse(bts); cloneErr == nil {
		res.Body = clonedRes.Body
	}
	return bts, nil
}

// FromBytes deserializes a stored response previously written by ToBytes.
func FromBytes(b []byte) (StoredResponse, error) {
	sRes := StoredResponse{}
	res, err := readResponse(b)
	if err != nil {
		return sRes, err
	}
	storedAtInt, err := strconv.ParseInt(res.Header.Get(storedAtHeaderName), 10, 64)
	if err != nil {
		return sRes, err
	}
	res.Header.Del(storedAtHeaderName)
	sRes.Response = res
	sRes.StoredAt = time.Unix(storedAtInt, 0)
	return sRes, nil
}

func readResponse(b []byte) (*http.Response, error) {
	return http.ReadResponse(bufio.NewReader(bytes.NewReader(b)), nil)
}
