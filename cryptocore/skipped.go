package cryptocore

import "fmt"

// skipMessageKeys advances the receiving chain up to (but not including)
// message number until, caching every message key it derives under the
// current remote ratchet key.
func (s *SessionState) skipMessageKeys(until uint32) error {
	ck, ok := s.ReceivingChainKey.Get()
	if !ok || until <= s.ReceivingN {
		return nil
	}
	remote, _ := s.RemoteDHPublic.Get()
	gap := until - s.ReceivingN
	if gap > MaxSkip {
		return fmt.Errorf("%w: gap %d exceeds %d", ErrSkipBoundExceeded, gap, MaxSkip)
	}
	if len(s.skipped)+int(gap) > MaxSkip {
		return fmt.Errorf("%w: cache holds %d, gap %d", ErrSkipBoundExceeded, len(s.skipped), gap)
	}
	if s.skipped == nil {
		s.skipped = make(map[skippedIndex][32]byte)
	}
	for s.ReceivingN < until {
		nextCK, mk := kdfChain(ck)
		wipeKey(&ck)
		s.skipped[skippedIndex{pub: remote, n: s.ReceivingN}] = mk
		ck = nextCK
		s.ReceivingN++
	}
	s.ReceivingChainKey.set(ck)
	return nil
}

func (s *SessionState) dropSkipped(idx skippedIndex) {
	if _, ok := s.skipped[idx]; !ok {
		return
	}
	s.skipped[idx] = [32]byte{}
	delete(s.skipped, idx)
}

func (s *SessionState) wipeSkipped() {
	for idx := range s.skipped {
		s.skipped[idx] = [32]byte{}
		delete(s.skipped, idx)
	}
}
