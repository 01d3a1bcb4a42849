package ledger

import "testing"

func TestResolveDuplicateFirstSeen(t *testing.T) {
	got := ResolveDuplicate("h1", nil)
	if got.ExistsMatching || got.ExistsNotMatching {
		t.Errorf("first-seen: got %+v, want both false", got)
	}
}

func TestResolveDuplicateIdempotentReplay(t *testing.T) {
	prior := []StoredHash{{Hash: "h1", IsValid: true}}
	got := ResolveDuplicate("h1", prior)
	if !got.ExistsMatching {
		t.Fatalf("replay: ExistsMatching = false, want true")
	}
	if got.ExistsNotMatching {
		t.Error("replay: ExistsNotMatching = true, want false")
	}
	if !got.IsValid {
		t.Error("replay: IsValid = false, want cached validity true")
	}
}

func TestResolveDuplicateConflictingReplay(t *testing.T) {
	prior := []StoredHash{{Hash: "h1"}}
	got := ResolveDuplicate("h2", prior)
	if !got.ExistsNotMatching {
		t.Fatalf("conflict: ExistsNotMatching = false, want true")
	}
	if got.ExistsMatching {
		t.Error("conflict: ExistsMatching = true, want false")
	}
}

func TestHashPayloadStable(t *testing.T) {
	p := PreparePayload{TransferID: "t1", PayerFsp: "dfsp1", PayeeFsp: "dfsp2"}
	h1, err := HashPayload(p)
	if err != nil {
		t.Fatalf("HashPayload: %v", err)
	}
	h2, _ := HashPayload(p)
	if h1 != h2 {
		t.Errorf("same payload hashed differently: %s vs %s", h1, h2)
	}
	p.PayeeFsp = "dfsp3"
	h3, _ := HashPayload(p)
	if h1 == h3 {
		t.Error("different payloads produced the same hash")
	}
	if len(h1) != 64 {
		t.Errorf("hash length = %d, want 64 hex chars", len(h1))
	}
}
