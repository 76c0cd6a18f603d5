// Package txtcodec encodes and decodes the DNS-SD TXT records carried by
// the _draft-e133-master._tcp service, per spec.md §3/§4.2/§6. The wire
// format is the standard DNS-SD TXT encoding: a concatenation of
// length-prefixed "key=value" strings, each no longer than 255 bytes.
package txtcodec

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// TXT keys, bit-exact per spec.md §6.
const (
	KeyTxtVersion = "txtvers"
	KeyPriority   = "priority"
	KeyScope      = "confScope"
)

// CurrentVersion is the txtvers value this implementation produces and
// the only value it accepts on decode.
const CurrentVersion = 1

var (
	// ErrTxtVersionMismatch is returned when txtvers is present but
	// does not equal CurrentVersion.
	ErrTxtVersionMismatch = errors.New("txtcodec: txtvers mismatch")
	// ErrTxtMissingKey is returned when a required key is absent.
	ErrTxtMissingKey = errors.New("txtcodec: missing required key")
	// ErrTxtMalformed is returned when a record cannot be parsed at all.
	ErrTxtMalformed = errors.New("txtcodec: malformed record")
)

// Record is the decoded content of a master's TXT record.
type Record struct {
	Priority uint8
	Scope    string
}

// ToStrings renders r as the "key=value" entries consumed by DNS-SD
// registration APIs (e.g. zeroconf.Register's txt []string parameter).
func (r Record) ToStrings() []string {
	return []string{
		fmt.Sprintf("%s=%d", KeyTxtVersion, CurrentVersion),
		fmt.Sprintf("%s=%d", KeyPriority, r.Priority),
		fmt.Sprintf("%s=%s", KeyScope, r.Scope),
	}
}

// Encode renders r as the length-prefixed wire format DNS-SD uses for
// raw TXT records (each entry is a single length byte followed by the
// "key=value" bytes).
func Encode(r Record) ([]byte, error) {
	var buf []byte
	for _, kv := range r.ToStrings() {
		if len(kv) > 255 {
			return nil, fmt.Errorf("%w: entry %q exceeds 255 bytes", ErrTxtMalformed, kv)
		}
		buf = append(buf, byte(len(kv)))
		buf = append(buf, []byte(kv)...)
	}
	return buf, nil
}

// DecodeStrings parses a slice of "key=value" entries (as delivered by
// a resolve callback) into a Record, version-gating on txtvers.
func DecodeStrings(entries []string) (Record, error) {
	kv := make(map[string]string, len(entries))
	for _, e := range entries {
		parts := strings.SplitN(e, "=", 2)
		if len(parts) != 2 {
			continue
		}
		kv[parts[0]] = parts[1]
	}
	return fromMap(kv)
}

// Decode parses the length-prefixed wire format back into a Record.
func Decode(data []byte) (Record, error) {
	kv := make(map[string]string)
	for i := 0; i < len(data); {
		n := int(data[i])
		i++
		if i+n > len(data) {
			return Record{}, fmt.Errorf("%w: truncated entry", ErrTxtMalformed)
		}
		entry := string(data[i : i+n])
		i += n
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			return Record{}, fmt.Errorf("%w: entry %q has no '='", ErrTxtMalformed, entry)
		}
		kv[parts[0]] = parts[1]
	}
	return fromMap(kv)
}

func fromMap(kv map[string]string) (Record, error) {
	versStr, ok := kv[KeyTxtVersion]
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrTxtMissingKey, KeyTxtVersion)
	}
	vers, err := strconv.Atoi(versStr)
	if err != nil {
		return Record{}, fmt.Errorf("%w: txtvers %q not numeric", ErrTxtMalformed, versStr)
	}
	if vers != CurrentVersion {
		return Record{}, ErrTxtVersionMismatch
	}

	prioStr, ok := kv[KeyPriority]
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrTxtMissingKey, KeyPriority)
	}
	prio, err := strconv.Atoi(prioStr)
	if err != nil || prio < 0 || prio > 255 {
		return Record{}, fmt.Errorf("%w: priority %q out of range", ErrTxtMalformed, prioStr)
	}

	scope, ok := kv[KeyScope]
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrTxtMissingKey, KeyScope)
	}
	if scope == "" {
		return Record{}, fmt.Errorf("%w: %s empty", ErrTxtMalformed, KeyScope)
	}

	return Record{Priority: uint8(prio), Scope: scope}, nil
}
