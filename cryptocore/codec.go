package cryptocore

import (
	"encoding/base64"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	fieldSep   = "|"
	skippedSep = ","
	entrySep   = "."

	sessionFieldCount = 12
)

// SerializeSession renders state as a flat string. Field order:
//
//	dh public | dh private | remote public | root | sending chain |
//	receiving chain | sending n | receiving n | previous sending n |
//	created at | last activity | skipped keys
//
// Absent optional keys are empty strings. Timestamps are unix nanoseconds.
func SerializeSession(state *SessionState) (string, error) {
	if state == nil {
		return "", ErrNilSession
	}
	fields := []string{
		encodeKey(state.DHKeyPair.Public),
		encodeKey(state.DHKeyPair.Private),
		encodeOptional(state.RemoteDHPublic),
		encodeKey(state.RootKey),
		encodeOptional(state.SendingChainKey),
		encodeOptional(state.ReceivingChainKey),
		strconv.FormatUint(uint64(state.SendingN), 10),
		strconv.FormatUint(uint64(state.ReceivingN), 10),
		strconv.FormatUint(uint64(state.PreviousSendingN), 10),
		strconv.FormatInt(state.CreatedAt.UnixNano(), 10),
		strconv.FormatInt(state.LastActivityAt.UnixNano(), 10),
		encodeSkipped(state.skipped),
	}
	return strings.Join(fields, fieldSep), nil
}

// DeserializeSession parses the output of SerializeSession. Any deviation from
// the format yields ErrMalformedSession.
func DeserializeSession(raw string) (*SessionState, error) {
	fields := strings.Split(raw, fieldSep)
	if len(fields) != sessionFieldCount {
		return nil, fmt.Errorf("%w: got %d fields, want %d", ErrMalformedSession, len(fields), sessionFieldCount)
	}
	s := &SessionState{}
	if err := s.decodeFields(fields); err != nil {
		return nil, err
	}
	return s, nil
}

// decodeFields fills s from fields. On error every secret decoded so far is
// wiped.
func (s *SessionState) decodeFields(fields []string) (err error) {
	defer func() {
		if err != nil {
			DestroySession(s)
		}
	}()
	if s.DHKeyPair.Public, err = decodeKey(fields[0]); err != nil {
		return malformed("dh public", err)
	}
	if s.DHKeyPair.Private, err = decodeKey(fields[1]); err != nil {
		return malformed("dh private", err)
	}
	if s.RemoteDHPublic, err = decodeOptional(fields[2]); err != nil {
		return malformed("remote public", err)
	}
	if s.RootKey, err = decodeKey(fields[3]); err != nil {
		return malformed("root key", err)
	}
	if s.SendingChainKey, err = decodeOptional(fields[4]); err != nil {
		return malformed("sending chain", err)
	}
	if s.ReceivingChainKey, err = decodeOptional(fields[5]); err != nil {
		return malformed("receiving chain", err)
	}
	if s.SendingN, err = decodeCounter(fields[6]); err != nil {
		return malformed("sending counter", err)
	}
	if s.ReceivingN, err = decodeCounter(fields[7]); err != nil {
		return malformed("receiving counter", err)
	}
	if s.PreviousSendingN, err = decodeCounter(fields[8]); err != nil {
		return malformed("previous chain length", err)
	}
	if s.CreatedAt, err = decodeTime(fields[9]); err != nil {
		return malformed("created at", err)
	}
	if s.LastActivityAt, err = decodeTime(fields[10]); err != nil {
		return malformed("last activity", err)
	}
	if s.skipped, err = decodeSkipped(fields[11]); err != nil {
		return malformed("skipped keys", err)
	}
	if verr := s.Validate(); verr != nil {
		return fmt.Errorf("%w: %v", ErrMalformedSession, verr)
	}
	return nil
}

func malformed(field string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrMalformedSession, field, err)
}

func encodeKey(k [32]byte) string {
	return base64.StdEncoding.EncodeToString(k[:])
}

func encodeOptional(o OptionalKey) string {
	k, ok := o.Get()
	if !ok {
		return ""
	}
	return encodeKey(k)
}

func decodeKey(in string) ([32]byte, error) {
	var out [32]byte
	data, err := decodeFixed(in, len(out))
	if err != nil {
		return out, err
	}
	copy(out[:], data)
	wipe(data)
	return out, nil
}

func decodeOptional(in string) (OptionalKey, error) {
	if in == "" {
		return OptionalKey{}, nil
	}
	k, err := decodeKey(in)
	if err != nil {
		return OptionalKey{}, err
	}
	return SomeKey(k), nil
}

func decodeFixed(in string, size int) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(in)
	if err != nil {
		return nil, err
	}
	if len(data) != size {
		wipe(data)
		return nil, fmt.Errorf("unexpected length %d, want %d", len(data), size)
	}
	return data, nil
}

func decodeCounter(in string) (uint32, error) {
	n, err := strconv.ParseUint(in, 10, 32)
	if err != nil {
		return 0, err
	}
	return uint32(n), nil
}

func decodeTime(in string) (time.Time, error) {
	n, err := strconv.ParseInt(in, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(0, n).UTC(), nil
}

func encodeSkipped(m map[skippedIndex][32]byte) string {
	if len(m) == 0 {
		return ""
	}
	idxs := make([]skippedIndex, 0, len(m))
	for idx := range m {
		idxs = append(idxs, idx)
	}
	sort.Slice(idxs, func(i, j int) bool {
		if c := strings.Compare(string(idxs[i].pub[:]), string(idxs[j].pub[:])); c != 0 {
			return c < 0
		}
		return idxs[i].n < idxs[j].n
	})
	entries := make([]string, 0, len(idxs))
	for _, idx := range idxs {
		entries = append(entries, strings.Join([]string{
			encodeKey(idx.pub),
			strconv.FormatUint(uint64(idx.n), 10),
			encodeKey(m[idx]),
		}, entrySep))
	}
	return strings.Join(entries, skippedSep)
}

func decodeSkipped(in string) (_ map[skippedIndex][32]byte, err error) {
	out := make(map[skippedIndex][32]byte)
	if in == "" {
		return out, nil
	}
	defer func() {
		if err != nil {
			for idx := range out {
				out[idx] = [32]byte{}
				delete(out, idx)
			}
		}
	}()
	entries := strings.Split(in, skippedSep)
	if len(entries) > MaxSkip {
		return nil, fmt.Errorf("%d entries exceeds %d", len(entries), MaxSkip)
	}
	for _, entry := range entries {
		parts := strings.Split(entry, entrySep)
		if len(parts) != 3 {
			return nil, fmt.Errorf("entry has %d parts, want 3", len(parts))
		}
		pub, err := decodeKey(parts[0])
		if err != nil {
			return nil, err
		}
		n, err := decodeCounter(parts[1])
		if err != nil {
			return nil, err
		}
		mk, err := decodeKey(parts[2])
		if err != nil {
			return nil, err
		}
		idx := skippedIndex{pub: pub, n: n}
		if _, dup := out[idx]; dup {
			wipeKey(&mk)
			return nil, fmt.Errorf("duplicate entry for message %d", n)
		}
		out[idx] = mk
	}
	return out, nil
}
