package types

import "testing"

func TestTaskType_IsValid(t *testing.T) {
	t.Parallel()

	valid := []TaskType{TaskGenerate, TaskQA, TaskSummarize, TaskTranslate, TaskClassify, TaskNER}
	for _, tt := range valid {
		if !tt.IsValid() {
			t.Fatalf("expected %s to be valid", tt)
		}
	}
	if TaskType("embedding").IsValid() {
		t.Fatalf("expected unknown task type to be invalid")
	}
}

func TestTaskType_GenerationFamily(t *testing.T) {
	t.Parallel()

	if TaskNER.GenerationFamily() {
		t.Fatalf("ner must not route to generation backend")
	}
	for _, tt := range []TaskType{TaskGenerate, TaskQA, TaskSummarize, TaskTranslate, TaskClassify} {
		if !tt.GenerationFamily() {
			t.Fatalf("%s must route to generation backend", tt)
		}
	}
}

func TestTaskRequest_Validate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		req     TaskRequest
		wantErr bool
	}{
		{"ok", TaskRequest{TaskType: TaskGenerate, Text: "Hello", Priority: PriorityNormal}, false},
		{"missing text", TaskRequest{TaskType: TaskGenerate}, true},
		{"bad task type", TaskRequest{TaskType: "vision", Text: "x"}, true},
		{"priority too high", TaskRequest{TaskType: TaskNER, Text: "x", Priority: 4}, true},
		{"zero priority defaults later", TaskRequest{TaskType: TaskNER, Text: "x"}, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.req.Validate()
			if tc.wantErr && err == nil {
				t.Fatalf("expected error")
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestBackendHealth_Degraded(t *testing.T) {
	t.Parallel()

	h := BackendHealth{ConsecutiveFailures: 3}
	if !h.Degraded(3) {
		t.Fatalf("expected degraded at threshold")
	}
	if h.Degraded(0) {
		t.Fatalf("zero threshold disables degradation")
	}
	if (BackendHealth{ConsecutiveFailures: 2}).Degraded(3) {
		t.Fatalf("below threshold must not be degraded")
	}
}
