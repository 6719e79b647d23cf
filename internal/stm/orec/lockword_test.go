package orec

import "testing"

// TestLockWordEncoding tests both arms of the tagged union.
func TestLockWordEncoding(t *testing.T) {
	tests := []struct {
		name        string
		word        LockWord
		wantLocked  bool
		wantVersion uint64
		wantOwner   uint32
	}{
		{
			name:        "zero version",
			word:        Unlocked(0),
			wantLocked:  false,
			wantVersion: 0,
		},
		{
			name:        "small version",
			word:        Unlocked(42),
			wantLocked:  false,
			wantVersion: 42,
		},
		{
			name:        "max version",
			word:        Unlocked(VersionMask),
			wantLocked:  false,
			wantVersion: VersionMask,
		},
		{
			name:        "version overflow (truncation)",
			word:        Unlocked(VersionMask + 2),
			wantLocked:  false,
			wantVersion: 1,
		},
		{
			name:       "owner 1",
			word:       Locked(1),
			wantLocked: true,
			wantOwner:  1,
		},
		{
			name:       "max owner",
			word:       Locked(^uint32(0)),
			wantLocked: true,
			wantOwner:  ^uint32(0),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.word.IsLocked(); got != tt.wantLocked {
				t.Fatalf("IsLocked() = %v, want %v", got, tt.wantLocked)
			}
			if tt.wantLocked {
				if got := tt.word.Owner(); got != tt.wantOwner {
					t.Errorf("Owner() = %d, want %d", got, tt.wantOwner)
				}
				locked, value := tt.word.Decode()
				if !locked || value != uint64(tt.wantOwner) {
					t.Errorf("Decode() = (%v, %d), want (true, %d)", locked, value, tt.wantOwner)
				}
				return
			}
			if got := tt.word.Version(); got != tt.wantVersion {
				t.Errorf("Version() = %d, want %d", got, tt.wantVersion)
			}
			if got := tt.word.Owner(); got != 0 {
				t.Errorf("Owner() of unlocked word = %d, want 0", got)
			}
		})
	}
}

// TestLockWordString tests diagnostic formatting.
func TestLockWordString(t *testing.T) {
	if got := Unlocked(17).String(); got != "v17" {
		t.Errorf("Unlocked(17).String() = %q, want %q", got, "v17")
	}
	if got := Locked(3).String(); got != "locked@3" {
		t.Errorf("Locked(3).String() = %q, want %q", got, "locked@3")
	}
}

// TestLockedNeverEqualsVersion verifies that no version can be mistaken for a
// lock held by thread 0..n.
func TestLockedNeverEqualsVersion(t *testing.T) {
	for owner := uint32(0); owner < 1024; owner++ {
		if Locked(owner) == Unlocked(uint64(owner)) {
			t.Fatalf("Locked(%d) collides with Unlocked(%d)", owner, owner)
		}
	}
}
