package webhooks

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	cloudtasks "cloud.google.com/go/cloudtasks/apiv2"
	taskspb "cloud.google.com/go/cloudtasks/apiv2/cloudtaskspb"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/gunshikin/kanri/internal/events"
)

// taskCreator is the subset of the Cloud Tasks client the dispatcher uses.
type taskCreator interface {
	CreateTask(ctx context.Context, req *taskspb.CreateTaskRequest) (*taskspb.Task, error)
	Close() error
}

type tasksClient struct{ c *cloudtasks.Client }

func (t tasksClient) CreateTask(ctx context.Context, req *taskspb.CreateTaskRequest) (*taskspb.Task, error) {
	return t.c.CreateTask(ctx, req)
}

func (t tasksClient) Close() error { return t.c.Close() }

// CloudDispatcher enqueues one Cloud Tasks HTTP task per matching
// subscription, so retries and dead-lettering follow the queue's settings.
// When enqueueing fails the delivery goes to the in-memory fallback, if any.
type CloudDispatcher struct {
	registry  *Registry
	client    taskCreator
	queuePath string
	fallback  *Dispatcher
	logger    *slog.Logger
	timeout   time.Duration

	pending sync.WaitGroup
}

// NewCloudDispatcher connects to the queue projects/{project}/locations/{location}/queues/{queue}.
func NewCloudDispatcher(ctx context.Context, registry *Registry, projectID, locationID, queueID string, fallback *Dispatcher, logger *slog.Logger) (*CloudDispatcher, error) {
	client, err := cloudtasks.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("cloudtasks.NewClient: %w", err)
	}
	queuePath := fmt.Sprintf("projects/%s/locations/%s/queues/%s", projectID, locationID, queueID)
	cd := newCloudDispatcher(registry, tasksClient{c: client}, queuePath, fallback, logger)
	cd.logger.Info("[Webhooks] Connected to Cloud Tasks", "queue", queuePath)
	return cd, nil
}

func newCloudDispatcher(registry *Registry, client taskCreator, queuePath string, fallback *Dispatcher, logger *slog.Logger) *CloudDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &CloudDispatcher{
		registry:  registry,
		client:    client,
		queuePath: queuePath,
		fallback:  fallback,
		logger:    logger,
		timeout:   5 * time.Second,
	}
}

// QueuePath returns the full Cloud Tasks queue name.
func (cd *CloudDispatcher) QueuePath() string { return cd.queuePath }

// Emit enqueues tasks in the background so publishers never wait on Cloud
// Tasks.
func (cd *CloudDispatcher) Emit(e *events.Event) {
	subs := cd.registry.Matching(e)
	if len(subs) == 0 {
		return
	}
	payload, err := json.Marshal(e)
	if err != nil {
		cd.logger.Error("[Webhooks] Failed to marshal event", "event_id", e.ID, "error", err)
		return
	}
	for _, sub := range subs {
		req := cd.taskRequest(sub, e, payload)
		job := &deliveryJob{sub: sub, event: e, payload: payload, attempt: 1}
		cd.pending.Add(1)
		go func() {
			defer cd.pending.Done()
			cd.enqueue(req, job)
		}()
	}
}

func (cd *CloudDispatcher) enqueue(req *taskspb.CreateTaskRequest, job *deliveryJob) {
	ctx, cancel := context.WithTimeout(context.Background(), cd.timeout)
	defer cancel()

	task, err := cd.client.CreateTask(ctx, req)
	switch {
	case err == nil:
		cd.logger.Debug("[Webhooks] Enqueued task", "event_id", job.event.ID, "webhook", job.sub.ID, "task", task.GetName())
	case status.Code(err) == codes.AlreadyExists:
		// Same event and subscription already queued.
	default:
		cd.logger.Warn("[Webhooks] Cloud Tasks enqueue failed", "event_id", job.event.ID, "webhook", job.sub.ID, "error", err)
		if cd.fallback != nil {
			cd.fallback.enqueue(job)
		}
	}
}

var invalidTaskID = regexp.MustCompile(`[^A-Za-z0-9_-]`)

// taskRequest builds the CreateTask call for one delivery. The task name is
// derived from the event and subscription ids so Cloud Tasks deduplicates
// repeated enqueues.
func (cd *CloudDispatcher) taskRequest(sub Subscription, e *events.Event, payload []byte) *taskspb.CreateTaskRequest {
	taskID := invalidTaskID.ReplaceAllString(e.ID+"-"+sub.ID, "_")
	return &taskspb.CreateTaskRequest{
		Parent: cd.queuePath,
		Task: &taskspb.Task{
			Name: cd.queuePath + "/tasks/" + taskID,
			MessageType: &taskspb.Task_HttpRequest{
				HttpRequest: &taskspb.HttpRequest{
					HttpMethod: taskspb.HttpMethod_POST,
					Url:        sub.URL,
					Headers:    deliveryHeaders(sub, e, payload, 1),
					Body:       payload,
				},
			},
		},
	}
}

// Shutdown waits for in-flight enqueues, then stops the fallback and closes
// the client.
func (cd *CloudDispatcher) Shutdown() {
	cd.pending.Wait()
	if cd.fallback != nil {
		cd.fallback.Shutdown()
	}
	if err := cd.client.Close(); err != nil {
		cd.logger.Warn("[Webhooks] Cloud Tasks client close error", "error", err)
	}
}
