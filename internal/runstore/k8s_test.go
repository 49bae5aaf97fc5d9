package runstore

import (
	"context"
	"errors"
	"testing"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/flexinfer/mentatlab/services/engine-go/internal/k8s"
	"github.com/flexinfer/mentatlab/services/engine-go/pkg/types"
)

func fakeJob(name, runID, nodeID string, conditions ...batchv1.JobCondition) *batchv1.Job {
	return &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: "mentatlab",
			Labels: map[string]string{
				k8s.LabelRun:  runID,
				k8s.LabelNode: nodeID,
			},
		},
		Status: batchv1.JobStatus{Conditions: conditions},
	}
}

func completeCond() batchv1.JobCondition {
	return batchv1.JobCondition{Type: batchv1.JobComplete, Status: corev1.ConditionTrue}
}

func failedCond(msg string) batchv1.JobCondition {
	return batchv1.JobCondition{Type: batchv1.JobFailed, Status: corev1.ConditionTrue, Message: msg}
}

func newK8sFixture(t *testing.T, jobs ...*batchv1.Job) *K8sStore {
	t.Helper()
	cs := fake.NewSimpleClientset()
	for _, job := range jobs {
		if _, err := cs.BatchV1().Jobs("mentatlab").Create(context.Background(), job, metav1.CreateOptions{}); err != nil {
			t.Fatal(err)
		}
	}
	return NewK8sStore(k8s.NewClientFromInterface(cs, "mentatlab"))
}

func TestK8sStoreWritesNotImplemented(t *testing.T) {
	s := newK8sFixture(t)
	ctx := context.Background()

	if err := s.Create(ctx, &types.Run{ID: "r1"}); !errors.Is(err, ErrNotImplemented) {
		t.Fatalf("Create err = %v", err)
	}
	if _, err := s.UpdateStatus(ctx, "r1", types.RunStatusQueued, types.RunStatusRunning, ""); !errors.Is(err, ErrNotImplemented) {
		t.Fatalf("UpdateStatus err = %v", err)
	}
	if err := s.Delete(ctx, "r1"); !errors.Is(err, ErrNotImplemented) {
		t.Fatalf("Delete err = %v", err)
	}
}

func TestK8sStoreReflectsRunFromJobs(t *testing.T) {
	s := newK8sFixture(t,
		fakeJob("j1", "r1", "a", completeCond()),
		fakeJob("j2", "r1", "b", failedCond("boom")),
	)
	ctx := context.Background()

	run, err := s.Get(ctx, "r1")
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != types.RunStatusFailed {
		t.Fatalf("status = %s, want failed when any job failed", run.Status)
	}
	if run.Mode != types.ModeK8s {
		t.Fatalf("mode = %s", run.Mode)
	}
}

func TestK8sStoreReflectsSucceededRun(t *testing.T) {
	s := newK8sFixture(t,
		fakeJob("j1", "r1", "a", completeCond()),
		fakeJob("j2", "r1", "b", completeCond()),
	)
	run, err := s.Get(context.Background(), "r1")
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != types.RunStatusSucceeded {
		t.Fatalf("status = %s, want succeeded", run.Status)
	}
}

func TestK8sStoreUnknownRun(t *testing.T) {
	s := newK8sFixture(t)
	if _, err := s.Get(context.Background(), "ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestK8sStoreNodeStates(t *testing.T) {
	s := newK8sFixture(t,
		fakeJob("j1", "r1", "a", completeCond()),
		fakeJob("j2", "r1", "b", failedCond("exit 1")),
	)
	ctx := context.Background()

	st, err := s.GetNodeState(ctx, "r1", "b")
	if err != nil {
		t.Fatal(err)
	}
	if st.Status != types.NodeStatusFailed || st.Error != "exit 1" {
		t.Fatalf("state = %+v", st)
	}

	states, err := s.ListNodeStates(ctx, "r1")
	if err != nil {
		t.Fatal(err)
	}
	if len(states) != 2 || states[0].NodeID != "a" || states[1].NodeID != "b" {
		t.Fatalf("states = %+v", states)
	}
}

func TestK8sStoreListGroupsByRun(t *testing.T) {
	s := newK8sFixture(t,
		fakeJob("j1", "r1", "a", completeCond()),
		fakeJob("j2", "r2", "a"),
	)
	runs, err := s.List(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 2 || runs[0].ID != "r1" || runs[1].ID != "r2" {
		t.Fatalf("runs = %+v", runs)
	}
}
