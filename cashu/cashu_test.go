package cashu

import "testing"

func TestAmountSplit(t *testing.T) {
	tests := []struct {
		amount   uint64
		expected []uint64
	}{
		{amount: 0, expected: []uint64{}},
		{amount: 1, expected: []uint64{1}},
		{amount: 13, expected: []uint64{1, 4, 8}},
		{amount: 17, expected: []uint64{1, 16}},
	}

	for _, test := range tests {
		got := AmountSplit(test.amount)
		if len(got) != len(test.expected) {
			t.Fatalf("amount %v: expected %v but got %v", test.amount, test.expected, got)
		}
		for i := range got {
			if got[i] != test.expected[i] {
				t.Fatalf("amount %v: expected %v but got %v", test.amount, test.expected, got)
			}
		}
	}
}

func TestCheckDuplicateProofs(t *testing.T) {
	noDuplicates := Proofs{
		{Amount: 2, Secret: "s1"},
		{Amount: 2, Secret: "s2"},
	}
	if CheckDuplicateProofs(noDuplicates) {
		t.Error("expected no duplicates")
	}

	withDuplicates := Proofs{
		{Amount: 2, Secret: "s1"},
		{Amount: 4, Secret: "s1"},
	}
	if !CheckDuplicateProofs(withDuplicates) {
		t.Error("expected duplicates to be detected")
	}
}

func TestGenerateRandomQuoteId(t *testing.T) {
	id1, err := GenerateRandomQuoteId()
	if err != nil {
		t.Fatal(err)
	}
	id2, err := GenerateRandomQuoteId()
	if err != nil {
		t.Fatal(err)
	}
	if id1 == id2 {
		t.Error("expected distinct quote ids")
	}
	if len(id1) != 64 {
		t.Errorf("expected 64 hex chars, got %v", len(id1))
	}
}

func TestAmountTotals(t *testing.T) {
	proofs := Proofs{{Amount: 2}, {Amount: 4}, {Amount: 8}}
	if proofs.Amount() != 14 {
		t.Errorf("expected 14, got %v", proofs.Amount())
	}

	messages := BlindedMessages{{Amount: 1}, {Amount: 4}}
	if messages.Amount() != 5 {
		t.Errorf("expected 5, got %v", messages.Amount())
	}

	sigs := BlindedSignatures{{Amount: 1}, {Amount: 4}}
	if sigs.Amount() != 5 {
		t.Errorf("expected 5, got %v", sigs.Amount())
	}
}
