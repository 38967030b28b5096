package window

import "testing"

func TestParseOutcome(t *testing.T) {
	outcome, err := parseOutcome([]byte(`{"action": "success"}`))
	if err != nil || outcome.Action != ActionSuccess {
		t.Fatalf("parse success: %+v %v", outcome, err)
	}

	outcome, err = parseOutcome([]byte("startup noise\n{\"action\": \"direct_feedback\", \"message\": \"closed\"}\n"))
	if err != nil {
		t.Fatalf("parse with noise: %v", err)
	}
	if outcome.Action != ActionDirectFeedback || outcome.Message != "closed" {
		t.Fatalf("outcome = %+v", outcome)
	}

	if _, err := parseOutcome(nil); err == nil {
		t.Fatal("empty stdout should fail")
	}
	if _, err := parseOutcome([]byte(`{"action": "sideways"}`)); err == nil {
		t.Fatal("unknown action should fail")
	}
}
