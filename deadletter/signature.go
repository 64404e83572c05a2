package deadletter

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"unicode/utf8"

	"github.com/zeebo/blake3"
)

// Signature groups near-identical failures: the job name, its target scope
// and the first prefix characters of its payload JSON. The result is
// "<name>:<blake3 hex>".
func Signature(job Job, prefix int) string {
	data, err := json.Marshal(job.Payload)
	if err != nil {
		data = fmt.Appendf(nil, "%v", job.Payload)
	}

	h := blake3.New()
	h.Write([]byte(job.Name))
	h.Write([]byte{0})
	h.Write([]byte(job.Scope))
	h.Write([]byte{0})
	h.Write([]byte(truncateRunes(string(data), prefix)))

	return job.Name + ":" + hex.EncodeToString(h.Sum(nil))
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
