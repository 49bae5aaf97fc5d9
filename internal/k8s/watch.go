package k8s

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/watch"
)

// JobWatcher follows a single Job to completion, forwarding pod log lines
// and the final status. The watch reconnects on error within a bounded
// backoff, so transient apiserver drops do not fail the node.
type JobWatcher struct {
	client  *Client
	jobName string
	logger  *slog.Logger

	onLog      func(line string)
	onComplete func(status *JobStatus)
}

// WatchConfig holds the watcher callbacks.
type WatchConfig struct {
	// OnLog is called once per pod log line.
	OnLog func(line string)

	// OnComplete is called exactly once when the job reaches a terminal
	// condition.
	OnComplete func(status *JobStatus)
}

// NewJobWatcher creates a watcher for one job.
func NewJobWatcher(client *Client, jobName string, logger *slog.Logger, cfg *WatchConfig) *JobWatcher {
	w := &JobWatcher{client: client, jobName: jobName, logger: logger}
	if w.logger == nil {
		w.logger = slog.Default()
	}
	if cfg != nil {
		w.onLog = cfg.OnLog
		w.onComplete = cfg.OnComplete
	}
	return w
}

// Watch blocks until the job completes or ctx is canceled.
func (w *JobWatcher) Watch(ctx context.Context) error {
	logCtx, stopLogs := context.WithCancel(ctx)
	defer stopLogs()
	go w.streamLogs(logCtx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		watcher, err := w.client.clientset.BatchV1().Jobs(w.client.namespace).Watch(ctx, metav1.ListOptions{
			FieldSelector: fmt.Sprintf("metadata.name=%s", w.jobName),
		})
		if err != nil {
			w.logger.Warn("job watch connect failed, retrying",
				slog.String("job", w.jobName), slog.Any("error", err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}

		done, err := w.consume(ctx, watcher)
		watcher.Stop()
		if done || err != nil {
			return err
		}
		// Watch channel closed without a terminal condition; reconnect.
	}
}

func (w *JobWatcher) consume(ctx context.Context, watcher watch.Interface) (bool, error) {
	for {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case event, ok := <-watcher.ResultChan():
			if !ok {
				return false, nil
			}
			if event.Type == watch.Error {
				continue
			}
			job, ok := event.Object.(*batchv1.Job)
			if !ok {
				continue
			}
			status := GetJobStatus(job)
			if status.Phase == "succeeded" || status.Phase == "failed" {
				if w.onComplete != nil {
					w.onComplete(status)
				}
				return true, nil
			}
		}
	}
}

// streamLogs waits for the job's pod, then follows its agent container.
func (w *JobWatcher) streamLogs(ctx context.Context) {
	podName, err := w.waitForPod(ctx)
	if err != nil {
		return
	}
	if err := w.waitForContainer(ctx, podName); err != nil {
		return
	}
	if err := w.followPodLogs(ctx, podName); err != nil && ctx.Err() == nil {
		w.logger.Warn("pod log stream ended",
			slog.String("job", w.jobName), slog.Any("error", err))
	}
}

func (w *JobWatcher) waitForPod(ctx context.Context) (string, error) {
	selector := fmt.Sprintf("job-name=%s", w.jobName)
	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(time.Second):
		}
		pods, err := w.client.ListPods(ctx, selector)
		if err != nil {
			continue
		}
		if len(pods.Items) > 0 {
			return pods.Items[0].Name, nil
		}
	}
}

func (w *JobWatcher) waitForContainer(ctx context.Context, podName string) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
		pod, err := w.client.clientset.CoreV1().Pods(w.client.namespace).Get(ctx, podName, metav1.GetOptions{})
		if err != nil {
			continue
		}
		for _, cs := range pod.Status.ContainerStatuses {
			if cs.Name == "agent" && (cs.State.Running != nil || cs.State.Terminated != nil) {
				return nil
			}
		}
		switch pod.Status.Phase {
		case corev1.PodRunning, corev1.PodSucceeded, corev1.PodFailed:
			return nil
		}
	}
}

func (w *JobWatcher) followPodLogs(ctx context.Context, podName string) error {
	req := w.client.clientset.CoreV1().Pods(w.client.namespace).GetLogs(podName, &corev1.PodLogOptions{
		Container: "agent",
		Follow:    true,
	})
	stream, err := req.Stream(ctx)
	if err != nil {
		return fmt.Errorf("get log stream: %w", err)
	}
	defer stream.Close()

	reader := bufio.NewReader(stream)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		line, err := reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		line = strings.TrimSuffix(line, "\n")
		if line == "" {
			continue
		}
		if w.onLog != nil {
			w.onLog(line)
		}
	}
}
