// Package k8s provides Kubernetes integration for running nodes as Jobs.
package k8s

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

// Labels applied to every resource the engine creates. Selectors built on
// these are how the reflected RunStore and the driver find their objects.
const (
	LabelRun  = "mentatlab/run"
	LabelNode = "mentatlab/node"
)

// Client wraps the Kubernetes clientset with engine-specific helpers.
type Client struct {
	clientset kubernetes.Interface
	namespace string
}

// Config holds K8s client configuration.
type Config struct {
	// InCluster selects in-cluster config over kubeconfig.
	InCluster bool

	// Kubeconfig path, used when not in-cluster.
	Kubeconfig string

	// Namespace for engine resources.
	Namespace string
}

// DefaultConfig returns sensible defaults, resolving the kubeconfig from
// KUBECONFIG or the home directory.
func DefaultConfig() *Config {
	kubeconfig := os.Getenv("KUBECONFIG")
	if kubeconfig == "" {
		if home, _ := os.UserHomeDir(); home != "" {
			kubeconfig = filepath.Join(home, ".kube", "config")
		}
	}
	return &Config{
		Kubeconfig: kubeconfig,
		Namespace:  "mentatlab",
	}
}

// NewClient builds a clientset from the config.
func NewClient(cfg *Config) (*Client, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	var restConfig *rest.Config
	var err error
	if cfg.InCluster {
		restConfig, err = rest.InClusterConfig()
		if err != nil {
			return nil, fmt.Errorf("in-cluster config: %w", err)
		}
	} else {
		restConfig, err = clientcmd.BuildConfigFromFlags("", cfg.Kubeconfig)
		if err != nil {
			return nil, fmt.Errorf("kubeconfig: %w", err)
		}
	}

	clientset, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return nil, fmt.Errorf("create clientset: %w", err)
	}

	namespace := cfg.Namespace
	if namespace == "" {
		namespace = "mentatlab"
	}
	return &Client{clientset: clientset, namespace: namespace}, nil
}

// NewClientFromInterface wraps an existing clientset; used by tests with
// the fake clientset.
func NewClientFromInterface(cs kubernetes.Interface, namespace string) *Client {
	return &Client{clientset: cs, namespace: namespace}
}

// Namespace returns the configured namespace.
func (c *Client) Namespace() string { return c.namespace }

// CreateJob creates a Job in the configured namespace.
func (c *Client) CreateJob(ctx context.Context, job *batchv1.Job) (*batchv1.Job, error) {
	return c.clientset.BatchV1().Jobs(c.namespace).Create(ctx, job, metav1.CreateOptions{})
}

// GetJob retrieves a Job by name.
func (c *Client) GetJob(ctx context.Context, name string) (*batchv1.Job, error) {
	return c.clientset.BatchV1().Jobs(c.namespace).Get(ctx, name, metav1.GetOptions{})
}

// DeleteJob deletes a Job and its pods.
func (c *Client) DeleteJob(ctx context.Context, name string) error {
	propagation := metav1.DeletePropagationBackground
	return c.clientset.BatchV1().Jobs(c.namespace).Delete(ctx, name, metav1.DeleteOptions{
		PropagationPolicy: &propagation,
	})
}

// ListJobs lists Jobs matching the label selector.
func (c *Client) ListJobs(ctx context.Context, labelSelector string) (*batchv1.JobList, error) {
	return c.clientset.BatchV1().Jobs(c.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: labelSelector,
	})
}

// CreateCronJob creates a CronJob in the configured namespace.
func (c *Client) CreateCronJob(ctx context.Context, cron *batchv1.CronJob) (*batchv1.CronJob, error) {
	return c.clientset.BatchV1().CronJobs(c.namespace).Create(ctx, cron, metav1.CreateOptions{})
}

// DeleteCronJob deletes a CronJob by name.
func (c *Client) DeleteCronJob(ctx context.Context, name string) error {
	propagation := metav1.DeletePropagationBackground
	return c.clientset.BatchV1().CronJobs(c.namespace).Delete(ctx, name, metav1.DeleteOptions{
		PropagationPolicy: &propagation,
	})
}

// ListPods lists pods matching the label selector.
func (c *Client) ListPods(ctx context.Context, labelSelector string) (*corev1.PodList, error) {
	return c.clientset.CoreV1().Pods(c.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: labelSelector,
	})
}

// PodLogs retrieves the current logs of a pod's agent container.
func (c *Client) PodLogs(ctx context.Context, podName string, tailLines *int64) (string, error) {
	req := c.clientset.CoreV1().Pods(c.namespace).GetLogs(podName, &corev1.PodLogOptions{
		Container: "agent",
		TailLines: tailLines,
	})
	raw, err := req.DoRaw(ctx)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// HealthCheck verifies connectivity to the K8s API.
func (c *Client) HealthCheck(ctx context.Context) error {
	_, err := c.clientset.Discovery().ServerVersion()
	return err
}
