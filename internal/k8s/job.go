package k8s

import (
	"fmt"
	"strings"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/flexinfer/mentatlab/services/engine-go/pkg/types"
)

// JobConfig holds defaults applied to every Job the engine creates.
type JobConfig struct {
	Namespace          string
	ServiceAccountName string
	ImagePullSecrets   []string

	DefaultImage string

	DefaultCPULimit    string
	DefaultMemoryLimit string
	DefaultCPURequest  string
	DefaultMemRequest  string

	// ActiveDeadlineSeconds bounds job runtime at the K8s level; the
	// scheduler enforces the per-node timeout independently.
	ActiveDeadlineSeconds *int64

	TTLSecondsAfterFinished *int32

	// BackoffLimit is zero: retries are owned by the scheduler, not kube.
	BackoffLimit *int32
}

// DefaultJobConfig returns sensible defaults.
func DefaultJobConfig() *JobConfig {
	ttl := int32(3600)
	backoff := int32(0)
	deadline := int64(3600)
	return &JobConfig{
		Namespace:               "mentatlab",
		ServiceAccountName:      "default",
		DefaultCPULimit:         "2",
		DefaultMemoryLimit:      "2Gi",
		DefaultCPURequest:       "100m",
		DefaultMemRequest:       "128Mi",
		ActiveDeadlineSeconds:   &deadline,
		TTLSecondsAfterFinished: &ttl,
		BackoffLimit:            &backoff,
	}
}

// JobBuilder creates Jobs and CronJobs from node specs.
type JobBuilder struct {
	config *JobConfig
}

// NewJobBuilder creates a new JobBuilder.
func NewJobBuilder(cfg *JobConfig) *JobBuilder {
	if cfg == nil {
		cfg = DefaultJobConfig()
	}
	return &JobBuilder{config: cfg}
}

// JobName derives the deterministic job name for a node attempt, so Abort
// can address the job without extra bookkeeping.
func JobName(runID, nodeID string, attempt int) string {
	short := runID
	if len(short) > 8 {
		short = short[:8]
	}
	return sanitizeName(fmt.Sprintf("run-%s-%s-a%d", short, nodeID, attempt))
}

// BuildJob creates a Job for one node attempt.
func (b *JobBuilder) BuildJob(runID string, node *types.NodeSpec, attempt int) (*batchv1.Job, error) {
	image := b.config.DefaultImage
	if v, ok := node.Params["image"].(string); ok && v != "" {
		image = v
	}
	if image == "" {
		return nil, fmt.Errorf("node %s has no image", node.ID)
	}

	labels := map[string]string{
		"app.kubernetes.io/managed-by": "mentatlab-engine",
		LabelRun:                       sanitizeLabel(runID),
		LabelNode:                      sanitizeLabel(node.ID),
	}
	if node.AgentRef != "" {
		labels["mentatlab/agent"] = sanitizeLabel(node.AgentRef)
	}

	env := []corev1.EnvVar{
		{Name: "RUN_ID", Value: runID},
		{Name: "NODE_ID", Value: node.ID},
		{Name: "AGENT_REF", Value: node.AgentRef},
		{Name: "ATTEMPT", Value: fmt.Sprintf("%d", attempt)},
	}
	if e, ok := node.Params["env"].(map[string]any); ok {
		for k, v := range e {
			env = append(env, corev1.EnvVar{Name: k, Value: fmt.Sprint(v)})
		}
	}

	var command, args []string
	if raw, ok := node.Params["command"].([]any); ok && len(raw) > 0 {
		command = []string{fmt.Sprint(raw[0])}
		for _, a := range raw[1:] {
			args = append(args, fmt.Sprint(a))
		}
	}

	container := corev1.Container{
		Name:    "agent",
		Image:   image,
		Command: command,
		Args:    args,
		Env:     env,
		Resources: corev1.ResourceRequirements{
			Limits: corev1.ResourceList{
				corev1.ResourceCPU:    resource.MustParse(b.config.DefaultCPULimit),
				corev1.ResourceMemory: resource.MustParse(b.config.DefaultMemoryLimit),
			},
			Requests: corev1.ResourceList{
				corev1.ResourceCPU:    resource.MustParse(b.config.DefaultCPURequest),
				corev1.ResourceMemory: resource.MustParse(b.config.DefaultMemRequest),
			},
		},
		ImagePullPolicy: corev1.PullIfNotPresent,
		SecurityContext: &corev1.SecurityContext{
			AllowPrivilegeEscalation: boolPtr(false),
			RunAsNonRoot:             boolPtr(true),
			RunAsUser:                int64Ptr(1000),
			Capabilities:             &corev1.Capabilities{Drop: []corev1.Capability{"ALL"}},
		},
	}

	podSpec := corev1.PodSpec{
		Containers:         []corev1.Container{container},
		RestartPolicy:      corev1.RestartPolicyNever,
		ServiceAccountName: b.config.ServiceAccountName,
	}
	for _, secret := range b.config.ImagePullSecrets {
		podSpec.ImagePullSecrets = append(podSpec.ImagePullSecrets, corev1.LocalObjectReference{Name: secret})
	}

	deadline := b.config.ActiveDeadlineSeconds
	if node.TimeoutSeconds > 0 {
		d := int64(node.TimeoutSeconds)
		deadline = &d
	}

	return &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:      JobName(runID, node.ID, attempt),
			Namespace: b.config.Namespace,
			Labels:    labels,
		},
		Spec: batchv1.JobSpec{
			BackoffLimit:            b.config.BackoffLimit,
			ActiveDeadlineSeconds:   deadline,
			TTLSecondsAfterFinished: b.config.TTLSecondsAfterFinished,
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec:       podSpec,
			},
		},
	}, nil
}

// BuildCronJob wraps the node in a CronJob with concurrencyPolicy=Forbid.
// Optional capability used for scheduled runs; the engine itself never
// creates these.
func (b *JobBuilder) BuildCronJob(runID string, node *types.NodeSpec, schedule string) (*batchv1.CronJob, error) {
	job, err := b.BuildJob(runID, node, 1)
	if err != nil {
		return nil, err
	}
	return &batchv1.CronJob{
		ObjectMeta: metav1.ObjectMeta{
			Name:      sanitizeName("cron-" + job.Name),
			Namespace: b.config.Namespace,
			Labels:    job.Labels,
		},
		Spec: batchv1.CronJobSpec{
			Schedule:          schedule,
			ConcurrencyPolicy: batchv1.ForbidConcurrent,
			JobTemplate: batchv1.JobTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: job.Labels},
				Spec:       job.Spec,
			},
		},
	}, nil
}

// JobStatus summarizes a Job's condition for the engine.
type JobStatus struct {
	Phase    string // pending, running, succeeded, failed
	Active   int32
	Reason   string
	Message  string
	ExitCode int
}

// GetJobStatus derives a JobStatus from Job conditions.
func GetJobStatus(job *batchv1.Job) *JobStatus {
	status := &JobStatus{Phase: "pending", Active: job.Status.Active}
	for _, cond := range job.Status.Conditions {
		if cond.Status != corev1.ConditionTrue {
			continue
		}
		switch cond.Type {
		case batchv1.JobComplete:
			status.Phase = "succeeded"
			return status
		case batchv1.JobFailed:
			status.Phase = "failed"
			status.Reason = cond.Reason
			status.Message = cond.Message
			status.ExitCode = 1
			return status
		}
	}
	if job.Status.Active > 0 {
		status.Phase = "running"
	}
	return status
}

// sanitizeName makes a string a valid DNS-1123 subdomain for object names.
func sanitizeName(s string) string {
	s = strings.ToLower(s)
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	out := strings.Trim(b.String(), "-")
	if len(out) > 63 {
		out = out[:63]
		out = strings.TrimRight(out, "-")
	}
	return out
}

// sanitizeLabel makes a string a valid label value.
func sanitizeLabel(s string) string {
	out := sanitizeName(s)
	if out == "" {
		out = "unknown"
	}
	return out
}

func boolPtr(b bool) *bool    { return &b }
func int64Ptr(i int64) *int64 { return &i }
