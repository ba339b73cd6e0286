package storage

import (
	"testing"
	"time"
)

func TestJobRecord_Clone(t *testing.T) {
	loss, val, r2 := 0.5, 0.6, 0.9
	finished := time.Now()
	orig := JobRecord{
		ID:          "job-1",
		Status:      StatusCompleted,
		LossHistory: []LossPoint{{Epoch: 1, Loss: 1, ValLoss: &val}},
		FinalLoss:   &loss,
		Evaluation:  &Evaluation{TestR2: &r2, TestSamples: 3},
		FinishedAt:  &finished,
	}

	c := orig.Clone()
	c.LossHistory[0].Loss = 7
	*c.LossHistory[0].ValLoss = 7
	*c.FinalLoss = 7
	*c.Evaluation.TestR2 = 7
	c.Evaluation.TestSamples = 7
	*c.FinishedAt = finished.Add(time.Hour)

	if orig.LossHistory[0].Loss != 1 || *orig.LossHistory[0].ValLoss != 0.6 {
		t.Error("Clone shares loss history")
	}
	if *orig.FinalLoss != 0.5 {
		t.Error("Clone shares final loss")
	}
	if *orig.Evaluation.TestR2 != 0.9 || orig.Evaluation.TestSamples != 3 {
		t.Error("Clone shares evaluation")
	}
	if !orig.FinishedAt.Equal(finished) {
		t.Error("Clone shares finish time")
	}
}

func TestJobStatus_Terminal(t *testing.T) {
	tests := map[JobStatus]bool{
		StatusIdle:      false,
		StatusRunning:   false,
		StatusCompleted: true,
		StatusFailed:    true,
	}
	for status, want := range tests {
		if got := status.Terminal(); got != want {
			t.Errorf("%s.Terminal() = %v, want %v", status, got, want)
		}
	}
}

func TestValidateID(t *testing.T) {
	tests := []struct {
		id      string
		wantErr bool
	}{
		{"3f2b8c1e-5d7a-4c9e-8f1a-2b3c4d5e6f70", false},
		{"job_1", false},
		{"", true},
		{"a/b", true},
		{"a b", true},
		{"a:b", true},
	}
	for _, tt := range tests {
		if err := ValidateID(tt.id); (err != nil) != tt.wantErr {
			t.Errorf("ValidateID(%q) error = %v, wantErr %v", tt.id, err, tt.wantErr)
		}
	}
}
