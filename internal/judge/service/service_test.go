package service

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"arbiter/internal/common/cache"
	"arbiter/internal/common/mq"
	"arbiter/internal/judge/model"
	"arbiter/internal/judge/queue"
	"arbiter/internal/judge/repository"
	"arbiter/internal/judge/sandbox"
	pkgerrors "arbiter/pkg/errors"
)

type fakeBroker struct {
	pingErr   error
	published []*mq.Message
}

func (f *fakeBroker) Publish(ctx context.Context, topic string, msg *mq.Message) error {
	f.published = append(f.published, msg)
	return nil
}

func (f *fakeBroker) Ping(ctx context.Context) error { return f.pingErr }

type fakeProcessor struct {
	result model.ExecutionResult
	err    error
	jobs   []model.ExecutionJob
}

func (f *fakeProcessor) Process(ctx context.Context, job model.ExecutionJob) (model.ExecutionResult, error) {
	f.jobs = append(f.jobs, job)
	if f.err != nil {
		return model.ExecutionResult{}, f.err
	}
	res := f.result
	res.JobID = job.JobID
	res.SubmissionID = job.SubmissionID
	return res, nil
}

type memRepo struct {
	mu          sync.Mutex
	submissions map[string]*model.Submission

	// transitions records every status write per submission so tests
	// can assert the Pending -> Judging -> terminal walk.
	transitions map[string][]model.SubmissionStatus
}

func newMemRepo() *memRepo {
	return &memRepo{
		submissions: make(map[string]*model.Submission),
		transitions: make(map[string][]model.SubmissionStatus),
	}
}

func (r *memRepo) Create(ctx context.Context, s *model.Submission) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := *s
	r.submissions[s.ID] = &copied
	r.transitions[s.ID] = append(r.transitions[s.ID], s.Status)
	return nil
}

func (r *memRepo) GetByID(ctx context.Context, id string) (*model.Submission, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.submissions[id]
	if !ok {
		return nil, pkgerrors.New(pkgerrors.SubmissionNotFound)
	}
	copied := *s
	return &copied, nil
}

func (r *memRepo) MarkJudging(ctx context.Context, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.submissions[id]
	if !ok {
		return false, pkgerrors.New(pkgerrors.SubmissionNotFound)
	}
	if s.Status != model.StatusPending {
		return false, nil
	}
	s.Status = model.StatusJudging
	r.transitions[id] = append(r.transitions[id], s.Status)
	return true, nil
}

func (r *memRepo) Finalize(ctx context.Context, id string, result model.ExecutionResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.submissions[id]
	if !ok {
		return pkgerrors.New(pkgerrors.SubmissionNotFound)
	}
	if s.Status.IsTerminal() {
		return pkgerrors.New(pkgerrors.SubmissionNotTerminal)
	}
	s.Status = result.Status
	s.TestCasesPassed = result.TestCasesPassed
	s.TotalTestCases = result.TotalTestCases
	s.TimeMs = result.TimeMs
	s.MemoryKB = result.MemoryKB
	s.ErrorMessage = result.ErrorMessage
	s.CaseResults = result.CaseResults
	r.transitions[id] = append(r.transitions[id], s.Status)
	return nil
}

func (r *memRepo) ResetForRejudge(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.submissions[id]
	if !ok {
		return pkgerrors.New(pkgerrors.SubmissionNotFound)
	}
	if !s.Status.IsTerminal() {
		return pkgerrors.New(pkgerrors.SubmissionNotTerminal)
	}
	s.Status = model.StatusPending
	s.TestCasesPassed = 0
	s.TimeMs = 0
	s.MemoryKB = 0
	s.ErrorMessage = ""
	s.CaseResults = nil
	r.transitions[id] = append(r.transitions[id], s.Status)
	return nil
}

func (r *memRepo) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.submissions, id)
	return nil
}

func (r *memRepo) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.submissions)
}

func (r *memRepo) statusLog(id string) []model.SubmissionStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.SubmissionStatus(nil), r.transitions[id]...)
}

type fixture struct {
	svc    *Service
	repo   *memRepo
	broker *fakeBroker
	proc   *fakeProcessor
	cache  cache.Cache
}

func newFixture(t *testing.T, queueCfg queue.Config) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c, err := cache.NewRedisCacheWithClient(client)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	repo := newMemRepo()
	broker := &fakeBroker{}
	proc := &fakeProcessor{result: model.ExecutionResult{
		Status:          model.StatusAccepted,
		TestCasesPassed: 1,
		TotalTestCases:  1,
	}}
	results := repository.NewResultStore(c)
	qc := queue.NewClient(broker, c, results, proc, queueCfg)
	langs := sandbox.NewRegistry(nil)
	svc := New(repo, qc, nil, proc, langs, Config{})
	return &fixture{svc: svc, repo: repo, broker: broker, proc: proc, cache: c}
}

func validRequest() CreateSubmissionRequest {
	return CreateSubmissionRequest{
		UserID:    "u1",
		ProblemID: "p1",
		Language:  "python",
		Code:      "print(1)",
		TestCases: []model.TestCase{{Input: "", ExpectedOutput: "1"}},
	}
}

func TestCreateSubmissionQueued(t *testing.T) {
	f := newFixture(t, queue.Config{})

	sub, err := f.svc.CreateSubmission(context.Background(), validRequest())
	if err != nil {
		t.Fatalf("CreateSubmission: %v", err)
	}
	if sub.Status != model.StatusPending {
		t.Errorf("status = %v, want %v", sub.Status, model.StatusPending)
	}
	if sub.TimeLimitMs != 1000 || sub.MemoryLimitMB != 256 {
		t.Errorf("defaults not applied: %d ms / %d MB", sub.TimeLimitMs, sub.MemoryLimitMB)
	}
	if len(f.broker.published) != 1 {
		t.Errorf("published %d jobs, want 1", len(f.broker.published))
	}
	if stored, err := f.repo.GetByID(context.Background(), sub.ID); err != nil || stored.Status != model.StatusPending {
		t.Errorf("row not persisted pending: %v %v", stored, err)
	}
}

func TestCreateSubmissionInlineWhenDegraded(t *testing.T) {
	f := newFixture(t, queue.Config{})
	f.broker.pingErr = pkgerrors.New(pkgerrors.ServiceUnavailable)

	sub, err := f.svc.CreateSubmission(context.Background(), validRequest())
	if err != nil {
		t.Fatalf("CreateSubmission: %v", err)
	}
	if sub.Status != model.StatusAccepted {
		t.Errorf("inline submission must come back terminal, got %v", sub.Status)
	}
	if len(f.proc.jobs) != 1 {
		t.Errorf("fallback ran %d times, want 1", len(f.proc.jobs))
	}

	// The inline path walks the same states a worker would.
	want := []model.SubmissionStatus{model.StatusPending, model.StatusJudging, model.StatusAccepted}
	got := f.repo.statusLog(sub.ID)
	if len(got) != len(want) {
		t.Fatalf("status walk = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("status walk = %v, want %v", got, want)
		}
	}
}

func TestCreateSubmissionRollbackOnRefusedEnqueue(t *testing.T) {
	f := newFixture(t, queue.Config{MaxDepth: 1})
	ctx := context.Background()

	// Fill the queue so the next submit is refused.
	if _, err := f.cache.Incr(ctx, "judge:queue:depth"); err != nil {
		t.Fatalf("seed depth: %v", err)
	}

	_, err := f.svc.CreateSubmission(ctx, validRequest())
	if pkgerrors.GetCode(err) != pkgerrors.QueueFull {
		t.Fatalf("expected QueueFull, got %v", err)
	}
	if got := f.repo.count(); got != 0 {
		t.Errorf("refused intake must roll back the row, %d rows remain", got)
	}
}

func TestCreateSubmissionValidation(t *testing.T) {
	f := newFixture(t, queue.Config{})
	ctx := context.Background()

	tests := []struct {
		name   string
		mutate func(*CreateSubmissionRequest)
		code   pkgerrors.ErrorCode
	}{
		{"missing language", func(r *CreateSubmissionRequest) { r.Language = "" }, pkgerrors.ValidationFailed},
		{"unsupported language", func(r *CreateSubmissionRequest) { r.Language = "cobol" }, pkgerrors.LanguageNotSupported},
		{"missing code", func(r *CreateSubmissionRequest) { r.Code = "  " }, pkgerrors.ValidationFailed},
		{"oversized code", func(r *CreateSubmissionRequest) { r.Code = strings.Repeat("a", 256*1024+1) }, pkgerrors.CodeTooLarge},
		{"missing test cases", func(r *CreateSubmissionRequest) { r.TestCases = nil }, pkgerrors.ValidationFailed},
		{"too many test cases", func(r *CreateSubmissionRequest) {
			r.TestCases = make([]model.TestCase, 65)
		}, pkgerrors.TestCaseInvalid},
		{"oversized test case", func(r *CreateSubmissionRequest) {
			r.TestCases = []model.TestCase{{Input: strings.Repeat("x", 1<<20+1)}}
		}, pkgerrors.TestCaseTooLarge},
		{"missing problem id", func(r *CreateSubmissionRequest) { r.ProblemID = "" }, pkgerrors.ValidationFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validRequest()
			tt.mutate(&req)
			_, err := f.svc.CreateSubmission(ctx, req)
			if pkgerrors.GetCode(err) != tt.code {
				t.Errorf("got %v, want code %v", err, tt.code)
			}
		})
	}
	if got := f.repo.count(); got != 0 {
		t.Errorf("invalid intake must not persist rows, %d rows remain", got)
	}
}

func TestRejudge(t *testing.T) {
	f := newFixture(t, queue.Config{})
	ctx := context.Background()

	sub, err := f.svc.CreateSubmission(ctx, validRequest())
	if err != nil {
		t.Fatalf("CreateSubmission: %v", err)
	}

	// Still pending: rejudge must be refused.
	_, err = f.svc.Rejudge(ctx, sub.ID)
	if pkgerrors.GetCode(err) != pkgerrors.SubmissionNotTerminal {
		t.Fatalf("rejudge of pending submission: got %v", err)
	}

	// Drive it terminal the way a worker would, releasing the in-flight
	// claim along the way.
	if err := f.repo.Finalize(ctx, sub.ID, model.ExecutionResult{
		Status: model.StatusWrongAnswer, TestCasesPassed: 0, TotalTestCases: 1,
	}); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if err := f.cache.Del(ctx, "judge:inflight:"+sub.ID); err != nil {
		t.Fatalf("release claim: %v", err)
	}
	receipt, err := f.svc.Rejudge(ctx, sub.ID)
	if err != nil {
		t.Fatalf("Rejudge: %v", err)
	}
	if receipt.Status != queue.StatusQueued {
		t.Errorf("receipt status = %q", receipt.Status)
	}
	if got, _ := f.repo.GetByID(ctx, sub.ID); got.Status != model.StatusPending {
		t.Errorf("rejudged submission status = %v, want pending", got.Status)
	}
	if len(f.broker.published) != 2 {
		t.Errorf("published %d jobs, want 2", len(f.broker.published))
	}
}

func TestRejudgeUnknownSubmission(t *testing.T) {
	f := newFixture(t, queue.Config{})

	_, err := f.svc.Rejudge(context.Background(), "missing")
	if pkgerrors.GetCode(err) != pkgerrors.SubmissionNotFound {
		t.Fatalf("expected SubmissionNotFound, got %v", err)
	}
}

func TestRejudgeClearsStaleInFlightMarker(t *testing.T) {
	f := newFixture(t, queue.Config{})
	ctx := context.Background()

	sub, err := f.svc.CreateSubmission(ctx, validRequest())
	if err != nil {
		t.Fatalf("CreateSubmission: %v", err)
	}
	// A worker wrote the result but crashed before releasing its claim.
	if err := f.repo.Finalize(ctx, sub.ID, model.ExecutionResult{
		Status: model.StatusWrongAnswer, TestCasesPassed: 0, TotalTestCases: 1,
	}); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	receipt, err := f.svc.Rejudge(ctx, sub.ID)
	if err != nil {
		t.Fatalf("rejudge of terminal submission with stale marker: %v", err)
	}
	if receipt.Status != queue.StatusQueued {
		t.Errorf("receipt status = %q", receipt.Status)
	}
	if got, _ := f.repo.GetByID(ctx, sub.ID); got.Status != model.StatusPending {
		t.Errorf("rejudged submission status = %v, want pending", got.Status)
	}
	if len(f.broker.published) != 2 {
		t.Fatalf("published %d jobs, want 2", len(f.broker.published))
	}
	// The claim now belongs to the new job.
	marker, err := f.cache.Get(ctx, "judge:inflight:"+sub.ID)
	if err != nil {
		t.Fatalf("read claim: %v", err)
	}
	if marker != f.broker.published[1].ID {
		t.Errorf("claim = %q, want new job id %q", marker, f.broker.published[1].ID)
	}
}

func TestRejudgeRestoresResultOnRefusedEnqueue(t *testing.T) {
	f := newFixture(t, queue.Config{MaxDepth: 1})
	ctx := context.Background()

	sub, err := f.svc.CreateSubmission(ctx, validRequest())
	if err != nil {
		t.Fatalf("CreateSubmission: %v", err)
	}
	prior := model.ExecutionResult{
		Status:          model.StatusWrongAnswer,
		TestCasesPassed: 0,
		TotalTestCases:  1,
		TimeMs:          42,
		MemoryKB:        2048,
		CaseResults: []model.CaseResult{
			{Index: 0, Status: model.CaseFailed, TimeMs: 42, MemoryKB: 2048, Output: "2"},
		},
	}
	if err := f.repo.Finalize(ctx, sub.ID, prior); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	// The worker released its claim; the queue itself stayed full.
	if err := f.cache.Del(ctx, "judge:inflight:"+sub.ID); err != nil {
		t.Fatalf("release claim: %v", err)
	}

	_, err = f.svc.Rejudge(ctx, sub.ID)
	if pkgerrors.GetCode(err) != pkgerrors.QueueFull {
		t.Fatalf("expected QueueFull, got %v", err)
	}

	// The prior terminal result is back; the submission is not stranded
	// Pending with no job behind it.
	got, err := f.repo.GetByID(ctx, sub.ID)
	if err != nil {
		t.Fatalf("get submission: %v", err)
	}
	if got.Status != model.StatusWrongAnswer {
		t.Fatalf("status = %v, want restored %v", got.Status, model.StatusWrongAnswer)
	}
	if got.TimeMs != 42 || got.MemoryKB != 2048 {
		t.Errorf("restored aggregates = %d ms / %d KB", got.TimeMs, got.MemoryKB)
	}
	if len(got.CaseResults) != 1 || got.CaseResults[0].Status != model.CaseFailed {
		t.Errorf("restored case results = %+v", got.CaseResults)
	}

	// Once the queue drains, the same submission can be rejudged.
	if _, err := f.cache.Decr(ctx, "judge:queue:depth"); err != nil {
		t.Fatalf("drain queue: %v", err)
	}
	receipt, err := f.svc.Rejudge(ctx, sub.ID)
	if err != nil {
		t.Fatalf("rejudge after drain: %v", err)
	}
	if receipt.Status != queue.StatusQueued {
		t.Errorf("receipt status = %q", receipt.Status)
	}
}

func TestGetJobResult(t *testing.T) {
	f := newFixture(t, queue.Config{})
	f.broker.pingErr = pkgerrors.New(pkgerrors.ServiceUnavailable)
	ctx := context.Background()

	receipt, err := f.svc.SubmitExecutionJob(ctx, ExecuteRequest{
		Language:  "python",
		Code:      "print(1)",
		TestCases: []model.TestCase{{Input: "", ExpectedOutput: "1"}},
	})
	if err != nil {
		t.Fatalf("SubmitExecutionJob: %v", err)
	}
	if receipt.Status != queue.StatusCompleted {
		t.Fatalf("degraded submit should complete inline, got %q", receipt.Status)
	}

	status, err := f.svc.GetJobResult(ctx, receipt.JobID)
	if err != nil {
		t.Fatalf("GetJobResult: %v", err)
	}
	if status.Status != queue.StatusCompleted || status.Result == nil {
		t.Errorf("job status = %+v", status)
	}

	status, err = f.svc.GetJobResult(ctx, "unknown-job")
	if err != nil {
		t.Fatalf("GetJobResult unknown: %v", err)
	}
	if status.Status != "pending" || status.Result != nil {
		t.Errorf("unknown job status = %+v", status)
	}
}

func TestExecuteDirect(t *testing.T) {
	f := newFixture(t, queue.Config{})

	result, err := f.svc.ExecuteDirect(context.Background(), ExecuteRequest{
		Language:  "python",
		Code:      "print(1)",
		TestCases: []model.TestCase{{Input: "", ExpectedOutput: "1"}},
	})
	if err != nil {
		t.Fatalf("ExecuteDirect: %v", err)
	}
	if result.Status != model.StatusAccepted {
		t.Errorf("result status = %v", result.Status)
	}
	if len(f.broker.published) != 0 {
		t.Error("direct execution must bypass the queue")
	}
}

func TestLanguages(t *testing.T) {
	f := newFixture(t, queue.Config{})

	langs := f.svc.Languages()
	if len(langs) == 0 {
		t.Fatal("expected built-in languages")
	}
	found := false
	for _, l := range langs {
		if l == "cpp" {
			found = true
		}
	}
	if !found {
		t.Errorf("cpp missing from %v", langs)
	}
}
