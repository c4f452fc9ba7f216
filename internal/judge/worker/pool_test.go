package worker

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"arbiter/internal/common/cache"
	"arbiter/internal/common/mq"
	"arbiter/internal/judge/model"
	"arbiter/internal/judge/repository"
	"arbiter/internal/judge/runner"
	"arbiter/internal/judge/sandbox"
	pkgerrors "arbiter/pkg/errors"
)

type fakeQueue struct {
	mu        sync.Mutex
	published []*mq.Message
	topics    []string
	subs      map[string]mq.HandlerFunc
	started   bool
	stopped   bool
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{subs: make(map[string]mq.HandlerFunc)}
}

func (f *fakeQueue) Publish(ctx context.Context, topic string, msg *mq.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, msg)
	f.topics = append(f.topics, topic)
	return nil
}

func (f *fakeQueue) Subscribe(ctx context.Context, topic string, handler mq.HandlerFunc) error {
	f.subs[topic] = handler
	return nil
}

func (f *fakeQueue) SubscribeWithOptions(ctx context.Context, topic string, handler mq.HandlerFunc, opts *mq.SubscribeOptions) error {
	f.subs[topic] = handler
	return nil
}

func (f *fakeQueue) Start() error { f.started = true; return nil }
func (f *fakeQueue) Stop() error  { f.stopped = true; return nil }
func (f *fakeQueue) Ping(ctx context.Context) error { return nil }
func (f *fakeQueue) Close() error { return nil }

type fakeRepo struct {
	mu          sync.Mutex
	submissions map[string]*model.Submission
	finalized   map[string]model.ExecutionResult
}

func newFakeRepo(subs ...*model.Submission) *fakeRepo {
	r := &fakeRepo{
		submissions: make(map[string]*model.Submission),
		finalized:   make(map[string]model.ExecutionResult),
	}
	for _, s := range subs {
		r.submissions[s.ID] = s
	}
	return r
}

func (r *fakeRepo) Create(ctx context.Context, s *model.Submission) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.submissions[s.ID] = s
	return nil
}

func (r *fakeRepo) GetByID(ctx context.Context, id string) (*model.Submission, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.submissions[id]
	if !ok {
		return nil, pkgerrors.New(pkgerrors.SubmissionNotFound)
	}
	copied := *s
	return &copied, nil
}

func (r *fakeRepo) MarkJudging(ctx context.Context, id string) (bool, error) {
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
	return true, nil
}

func (r *fakeRepo) Finalize(ctx context.Context, id string, result model.ExecutionResult) error {
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
	r.finalized[id] = result
	return nil
}

func (r *fakeRepo) ResetForRejudge(ctx context.Context, id string) error {
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
	return nil
}

func (r *fakeRepo) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.submissions, id)
	return nil
}

func (r *fakeRepo) status(id string) model.SubmissionStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.submissions[id].Status
}

type fakeExecutor struct {
	compileRes sandbox.CompileOutcome
	compileErr error
	caseRes    sandbox.CaseOutcome
	caseErr    error
}

func (f *fakeExecutor) Compile(ctx context.Context, req sandbox.CompileRequest) (sandbox.CompileOutcome, error) {
	return f.compileRes, f.compileErr
}

func (f *fakeExecutor) RunCase(ctx context.Context, req sandbox.CaseRequest) (sandbox.CaseOutcome, error) {
	if f.caseErr != nil {
		return sandbox.CaseOutcome{}, f.caseErr
	}
	return f.caseRes, nil
}

type releaseRecorder struct {
	mu       sync.Mutex
	released []string
}

func (r *releaseRecorder) Release(ctx context.Context, job model.ExecutionJob) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.released = append(r.released, job.JobID)
}

func newWorkerCache(t *testing.T) cache.Cache {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c, err := cache.NewRedisCacheWithClient(client)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	return c
}

func testLangs() *sandbox.Registry {
	return sandbox.NewRegistry([]sandbox.LanguageSpec{{
		ID:         "python",
		SourceFile: "main.py",
		RunCmdTpl:  "python3 {src}",
	}})
}

func poolConfig() Config {
	return Config{
		Topic:           "judge.jobs",
		RetryTopic:      "judge.jobs.retry",
		DeadLetterTopic: "judge.jobs.dlq",
		Concurrency:     2,
		MaxAttempts:     2,
		RetryBaseDelay:  time.Millisecond,
		RetryMaxDelay:   5 * time.Millisecond,
		JobTimeout:      5 * time.Second,
		LockTTL:         time.Minute,
	}
}

func jobMessage(t *testing.T, job model.ExecutionJob) *mq.Message {
	t.Helper()
	body, err := json.Marshal(job)
	if err != nil {
		t.Fatalf("marshal job: %v", err)
	}
	msg := mq.NewMessage(body)
	msg.ID = job.JobID
	return msg
}

func pendingSubmission(id string) *model.Submission {
	return &model.Submission{
		ID:       id,
		Status:   model.StatusPending,
		Language: "python",
	}
}

func workerJob(id string) model.ExecutionJob {
	return model.ExecutionJob{
		JobID:         "job-" + id,
		SubmissionID:  id,
		Language:      "python",
		Code:          "print('ok')",
		TimeLimitMs:   1000,
		MemoryLimitMB: 256,
		TestCases:     []model.TestCase{{Input: "", ExpectedOutput: "ok"}},
	}
}

func newTestPool(t *testing.T, repo *fakeRepo, exec sandbox.Executor) (*Pool, *fakeQueue, *repository.ResultStore, *releaseRecorder) {
	t.Helper()
	queue := newFakeQueue()
	c := newWorkerCache(t)
	results := repository.NewResultStore(c)
	rec := &releaseRecorder{}
	run := runner.New(exec, testLangs(), nil)
	pool := NewPool(queue, c, run, repo, results, nil, rec, poolConfig())
	return pool, queue, results, rec
}

func TestHandleHappyPath(t *testing.T) {
	repo := newFakeRepo(pendingSubmission("s1"))
	exec := &fakeExecutor{
		compileRes: sandbox.CompileOutcome{OK: true},
		caseRes:    sandbox.CaseOutcome{ExitCode: 0, Output: "ok\n"},
	}
	pool, _, results, rec := newTestPool(t, repo, exec)

	job := workerJob("s1")
	if err := pool.handle(context.Background(), jobMessage(t, job)); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if got := repo.status("s1"); got != model.StatusAccepted {
		t.Errorf("submission status = %v, want %v", got, model.StatusAccepted)
	}
	stored, err := results.Get(context.Background(), job.JobID)
	if err != nil || stored == nil {
		t.Fatalf("result not stored: %v %v", stored, err)
	}
	if stored.Status != model.StatusAccepted {
		t.Errorf("stored status = %v", stored.Status)
	}
	if len(rec.released) != 1 || rec.released[0] != job.JobID {
		t.Errorf("release not called once: %v", rec.released)
	}
}

func TestHandleMalformedMessageAcks(t *testing.T) {
	repo := newFakeRepo()
	pool, queue, _, _ := newTestPool(t, repo, &fakeExecutor{})

	msg := mq.NewMessage([]byte("{not json"))
	if err := pool.handle(context.Background(), msg); err != nil {
		t.Fatalf("malformed message must ack, got %v", err)
	}
	if len(queue.published) != 0 {
		t.Error("malformed message must not be republished")
	}
}

func TestHandleDuplicateLockAcks(t *testing.T) {
	repo := newFakeRepo(pendingSubmission("s2"))
	pool, _, _, rec := newTestPool(t, repo, &fakeExecutor{compileRes: sandbox.CompileOutcome{OK: true}})

	job := workerJob("s2")
	if err := pool.cache.Set(context.Background(), lockKeyPrefix+"s2", "other-job", time.Minute); err != nil {
		t.Fatalf("seed lock: %v", err)
	}
	if err := pool.handle(context.Background(), jobMessage(t, job)); err != nil {
		t.Fatalf("duplicate delivery must ack, got %v", err)
	}
	if got := repo.status("s2"); got != model.StatusPending {
		t.Errorf("locked submission must stay untouched, status = %v", got)
	}
	if len(rec.released) != 0 {
		t.Error("release must not run for a skipped job")
	}
}

func TestHandleTerminalSubmissionAcks(t *testing.T) {
	sub := pendingSubmission("s3")
	sub.Status = model.StatusAccepted
	repo := newFakeRepo(sub)
	pool, _, _, rec := newTestPool(t, repo, &fakeExecutor{})

	if err := pool.handle(context.Background(), jobMessage(t, workerJob("s3"))); err != nil {
		t.Fatalf("terminal redelivery must ack, got %v", err)
	}
	if len(rec.released) != 0 {
		t.Error("terminal redelivery must not release")
	}
}

func TestHandleResumesStuckJudging(t *testing.T) {
	sub := pendingSubmission("s4")
	sub.Status = model.StatusJudging
	repo := newFakeRepo(sub)
	exec := &fakeExecutor{
		compileRes: sandbox.CompileOutcome{OK: true},
		caseRes:    sandbox.CaseOutcome{ExitCode: 0, Output: "ok\n"},
	}
	pool, _, _, _ := newTestPool(t, repo, exec)

	if err := pool.handle(context.Background(), jobMessage(t, workerJob("s4"))); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if got := repo.status("s4"); got != model.StatusAccepted {
		t.Errorf("stuck submission not driven terminal, status = %v", got)
	}
}

func TestHandleInfrastructureFailureFinalizes(t *testing.T) {
	repo := newFakeRepo(pendingSubmission("s5"))
	exec := &fakeExecutor{
		compileErr: pkgerrors.New(pkgerrors.SandboxUnavailable),
	}
	pool, queue, results, _ := newTestPool(t, repo, exec)

	job := workerJob("s5")
	if err := pool.handle(context.Background(), jobMessage(t, job)); err != nil {
		t.Fatalf("handle must ack after finalizing failure, got %v", err)
	}
	if got := repo.status("s5"); got != model.StatusRuntimeError {
		t.Errorf("failed submission must land terminal, status = %v", got)
	}
	stored, err := results.Get(context.Background(), job.JobID)
	if err != nil || stored == nil {
		t.Fatalf("failure result not stored: %v %v", stored, err)
	}
	if stored.ErrorMessage == "" {
		t.Error("failure result should carry a diagnostic")
	}
	found := false
	for _, topic := range queue.topics {
		if topic == "judge.jobs.dlq" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected dead letter publish, topics = %v", queue.topics)
	}
}

func TestHandlePoolFullRequeues(t *testing.T) {
	repo := newFakeRepo(pendingSubmission("s6"))
	pool, queue, _, _ := newTestPool(t, repo, &fakeExecutor{})

	// Exhaust the slots.
	for i := 0; i < cap(pool.sem); i++ {
		pool.sem <- struct{}{}
	}
	if err := pool.handle(context.Background(), jobMessage(t, workerJob("s6"))); err != nil {
		t.Fatalf("pool-full handle: %v", err)
	}
	if len(queue.topics) != 1 || queue.topics[0] != "judge.jobs.retry" {
		t.Fatalf("expected requeue to retry topic, got %v", queue.topics)
	}
	if got := repo.status("s6"); got != model.StatusPending {
		t.Errorf("requeued submission must stay pending, status = %v", got)
	}
}

func TestStartSubscribesBothTopics(t *testing.T) {
	repo := newFakeRepo()
	pool, queue, _, _ := newTestPool(t, repo, &fakeExecutor{})

	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !queue.started {
		t.Error("Start must start the consumer")
	}
	for _, topic := range []string{"judge.jobs", "judge.jobs.retry"} {
		if _, ok := queue.subs[topic]; !ok {
			t.Errorf("missing subscription for %s", topic)
		}
	}
	if err := pool.Stop(); err != nil || !queue.stopped {
		t.Errorf("Stop: %v stopped=%v", err, queue.stopped)
	}
}
