package controller

import (
	"context"
	"errors"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/goleak"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/utils/ptr"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"

	v1 "github.com/sladg/pgvault-operator/api/v1alpha1"
	"github.com/sladg/pgvault-operator/internal/commvault"
	"github.com/sladg/pgvault-operator/internal/constants"
	"github.com/sladg/pgvault-operator/internal/controller/utils"
)

// holdFinalizer keeps deleted operations around so their final status can be read.
const holdFinalizer = "test.pgvault-operator.io/hold"

var created = time.Date(2025, 3, 4, 5, 6, 7, 0, time.UTC)

func newOperation(name string, spec v1.PostgresBackupSpec) *v1.PostgresBackup {
	if spec.Cluster == "" {
		spec.Cluster = "pg1"
	}
	return &v1.PostgresBackup{
		ObjectMeta: metav1.ObjectMeta{
			Name:              name,
			Namespace:         "db",
			UID:               types.UID("uid-" + name),
			CreationTimestamp: metav1.NewTime(created),
			Finalizers:        []string{holdFinalizer},
		},
		Spec: spec,
	}
}

func request(name string) ctrl.Request {
	return ctrl.Request{NamespacedName: types.NamespacedName{Namespace: "db", Name: name}}
}

func statefulSet(name string, replicas int32) *appsv1.StatefulSet {
	return &appsv1.StatefulSet{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: "db"},
		Spec:       appsv1.StatefulSetSpec{Replicas: ptr.To(replicas)},
	}
}

func readyPod(name string) *corev1.Pod {
	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: "db"},
		Status: corev1.PodStatus{
			Phase:      corev1.PodRunning,
			Conditions: []corev1.PodCondition{{Type: corev1.PodReady, Status: corev1.ConditionTrue}},
		},
	}
}

func (h *harness) eventuallyFinished(name string) *v1.PostgresBackup {
	GinkgoHelper()
	cr := &v1.PostgresBackup{}
	Eventually(func(g Gomega) {
		g.Expect(h.client.Get(context.Background(), client.ObjectKey{Namespace: "db", Name: name}, cr)).To(Succeed())
		g.Expect(cr.Status.Phase.IsTerminal()).To(BeTrue())
		g.Expect(cr.Status.FinishedAt).NotTo(BeNil())
	}).Should(Succeed())
	return cr
}

var _ = Describe("PostgresBackup Controller", func() {
	var ctx context.Context

	BeforeEach(func() {
		ctx = context.Background()
	})

	Context("when a backup succeeds", func() {
		It("records every status change and deletes the operation", func() {
			h := newHarness(newOperation("nightly", v1.PostgresBackupSpec{}))
			defer h.stop()
			h.jobs.statuses = []commvault.JobStatus{"Waiting", "Running", "Running", "Completed"}

			result, err := h.reconciler.Reconcile(ctx, request("nightly"))
			Expect(err).NotTo(HaveOccurred())
			Expect(result).To(Equal(ctrl.Result{}))

			cr := h.eventuallyFinished("nightly")
			Expect(cr.Status.Phase).To(Equal(v1.PhaseSucceeded))
			Expect(cr.Status.JobID).To(Equal("J1"))
			Expect(cr.Status.CommvaultStatus).To(Equal("Completed"))
			Expect(cr.Status.Action).To(Equal(v1.ActionBackup))
			Expect(cr.Status.Operator).To(Equal(v1.TargetSystemZalando))
			Expect(cr.Status.StartedAt).NotTo(BeNil())
			Eventually(func(g Gomega) {
				g.Expect(h.get("nightly").DeletionTimestamp).NotTo(BeNil())
			}).Should(Succeed())

			patches := h.patches.All()
			Expect(patches[0]).To(ContainSubstring(`"jobId":"J1"`))
			Expect(patches[0]).To(ContainSubstring(`"phase":"Pending"`))
			Expect(patches).To(ContainElement(ContainSubstring(`"phase":"Running"`)))
			// Repeated statuses are not written again.
			Expect(patches).To(HaveLen(4))

			executes, starts := h.strategy.Counts()
			Expect(executes).To(Equal(1))
			Expect(starts).To(Equal(1))
		})

		It("does not start a second task while the first one provisions", func() {
			h := newHarness(newOperation("nightly", v1.PostgresBackupSpec{}))
			defer h.stop()
			h.jobs.statuses = []commvault.JobStatus{"Completed"}

			for range 3 {
				_, err := h.reconciler.Reconcile(ctx, request("nightly"))
				Expect(err).NotTo(HaveOccurred())
			}
			h.eventuallyFinished("nightly")
			_, starts := h.strategy.Counts()
			Expect(starts).To(Equal(1))
		})
	})

	Context("when another operation on the same cluster is live", func() {
		It("rejects and deletes the newcomer", func() {
			running := newOperation("first", v1.PostgresBackupSpec{})
			running.Status = v1.PostgresBackupStatus{Phase: v1.PhaseRunning, JobID: "J0", CommvaultStatus: "Running"}
			newcomer := newOperation("second", v1.PostgresBackupSpec{Action: v1.ActionRestore})
			newcomer.CreationTimestamp = metav1.NewTime(created.Add(time.Minute))

			h := newHarness(running, newcomer)
			defer h.stop()

			_, err := h.reconciler.Reconcile(ctx, request("second"))
			Expect(err).NotTo(HaveOccurred())

			cr := h.get("second")
			Expect(cr.Status.Phase).To(Equal(v1.PhaseRejected))
			Expect(cr.Status.Reason).To(Equal(v1.ReasonConcurrentOperation))
			Expect(cr.Status.Message).To(ContainSubstring("(CR: first)"))
			Expect(cr.DeletionTimestamp).NotTo(BeNil())

			executes, _ := h.strategy.Counts()
			Expect(executes).To(BeZero())
			Expect(h.tasks.Running(request("second").NamespacedName, cr.UID)).To(BeFalse())
		})
	})

	Context("when provisioning fails", func() {
		It("marks a permanent failure without starting a job", func() {
			h := newHarness(newOperation("broken", v1.PostgresBackupSpec{}))
			defer h.stop()
			h.strategy.executeErrs = []error{utils.NewPermanent("SnapshotClassNotFound", "no snapshot class for driver ebs")}

			_, err := h.reconciler.Reconcile(ctx, request("broken"))
			Expect(err).NotTo(HaveOccurred())

			cr := h.eventuallyFinished("broken")
			Expect(cr.Status.Phase).To(Equal(v1.PhaseFailed))
			Expect(cr.Status.Reason).To(Equal(v1.ReasonStrategyExecutionError))
			Expect(cr.Status.Message).To(ContainSubstring("no snapshot class"))
			Expect(cr.Status.JobID).To(BeEmpty())
			Expect(cr.DeletionTimestamp).To(BeNil())

			executes, starts := h.strategy.Counts()
			Expect(executes).To(Equal(1))
			Expect(starts).To(BeZero())
		})

		It("re-drives retryable failures before giving up", func() {
			h := newHarness(newOperation("flaky", v1.PostgresBackupSpec{}))
			defer h.stop()
			retry := utils.NewRetryable(time.Millisecond, "pvc still terminating")
			h.strategy.executeErrs = []error{retry, retry}
			h.jobs.statuses = []commvault.JobStatus{"Completed"}

			_, err := h.reconciler.Reconcile(ctx, request("flaky"))
			Expect(err).NotTo(HaveOccurred())

			cr := h.eventuallyFinished("flaky")
			Expect(cr.Status.Phase).To(Equal(v1.PhaseSucceeded))
			executes, starts := h.strategy.Counts()
			Expect(executes).To(Equal(3))
			Expect(starts).To(Equal(1))
		})

		It("fails after the retry budget is spent", func() {
			h := newHarness(newOperation("stuck", v1.PostgresBackupSpec{}))
			defer h.stop()
			retry := utils.NewRetryable(time.Millisecond, "pvc still terminating")
			h.strategy.executeErrs = []error{retry, retry, retry, retry}

			_, err := h.reconciler.Reconcile(ctx, request("stuck"))
			Expect(err).NotTo(HaveOccurred())

			cr := h.eventuallyFinished("stuck")
			Expect(cr.Status.Phase).To(Equal(v1.PhaseFailed))
			Expect(cr.Status.Reason).To(Equal(v1.ReasonStrategyExecutionError))
			executes, starts := h.strategy.Counts()
			Expect(executes).To(Equal(constants.ProvisioningAttempts))
			Expect(starts).To(BeZero())
		})

		It("reports a task that could not be started", func() {
			h := newHarness(newOperation("nojob", v1.PostgresBackupSpec{}))
			defer h.stop()
			h.strategy.jobID = ""
			h.strategy.startErr = errors.New("commvault client not found")

			_, err := h.reconciler.Reconcile(ctx, request("nojob"))
			Expect(err).NotTo(HaveOccurred())

			cr := h.eventuallyFinished("nojob")
			Expect(cr.Status.Phase).To(Equal(v1.PhaseFailed))
			Expect(cr.Status.Reason).To(Equal(v1.ReasonCommvaultNoJob))
			Expect(cr.Status.Message).To(ContainSubstring("client not found"))
		})
	})

	Context("when the requested operation is invalid", func() {
		It("fails the operation immediately", func() {
			h := newHarness(newOperation("odd", v1.PostgresBackupSpec{Action: "archive"}))
			defer h.stop()

			_, err := h.reconciler.Reconcile(ctx, request("odd"))
			Expect(err).NotTo(HaveOccurred())

			cr := h.get("odd")
			Expect(cr.Status.Phase).To(Equal(v1.PhaseFailed))
			Expect(cr.Status.Reason).To(Equal(v1.ReasonInvalidSpec))
		})
	})

	Context("when prerequisites are not ready", func() {
		It("requeues after the requested delay without dispatching", func() {
			h := newHarness(newOperation("early", v1.PostgresBackupSpec{}))
			defer h.stop()
			h.prereqs.err = utils.NewRetryable(constants.CredentialsRetryInterval, "missing credentials")

			result, err := h.reconciler.Reconcile(ctx, request("early"))
			Expect(err).NotTo(HaveOccurred())
			Expect(result.RequeueAfter).To(Equal(constants.CredentialsRetryInterval))

			cr := h.get("early")
			Expect(cr.Status.Phase).To(Equal(v1.PhaseUnknown))
			Expect(h.tasks.Running(request("early").NamespacedName, cr.UID)).To(BeFalse())
		})

		It("requeues with the real prerequisites when credentials are missing", func() {
			h := newHarness(newOperation("early", v1.PostgresBackupSpec{}))
			defer h.stop()
			h.deps.Settings.CommvaultUser = ""
			h.reconciler.Prerequisites = NewPrerequisites(h.deps)

			result, err := h.reconciler.Reconcile(ctx, request("early"))
			Expect(err).NotTo(HaveOccurred())
			Expect(result.RequeueAfter).To(Equal(constants.CredentialsRetryInterval))

			sa := &corev1.ServiceAccount{}
			Expect(h.client.Get(ctx, client.ObjectKey{Namespace: "db", Name: constants.ServiceAccountName}, sa)).To(Succeed())
		})
	})

	Context("when polling runs out of time", func() {
		It("fails with the last observed status", func() {
			h := newHarness(newOperation("slow", v1.PostgresBackupSpec{}))
			defer h.stop()
			h.deps.Settings.JobPollTimeout = 50 * time.Millisecond
			h.jobs.statuses = []commvault.JobStatus{"Running"}

			_, err := h.reconciler.Reconcile(ctx, request("slow"))
			Expect(err).NotTo(HaveOccurred())

			cr := h.eventuallyFinished("slow")
			Expect(cr.Status.Phase).To(Equal(v1.PhaseFailed))
			Expect(cr.Status.CommvaultStatus).To(Equal("Running"))
			Expect(cr.DeletionTimestamp).To(BeNil())
		})
	})

	Context("after an operator restart", func() {
		It("resumes polling from the persisted job", func() {
			cr := newOperation("resumed", v1.PostgresBackupSpec{})
			cr.Status = v1.PostgresBackupStatus{
				Phase:           v1.PhaseRunning,
				JobID:           "J9",
				CommvaultStatus: "Running",
				StartedAt:       ptr.To(metav1.NewTime(created)),
			}
			h := newHarness(cr)
			defer h.stop()
			h.jobs.statuses = []commvault.JobStatus{"Running", "Completed w/ one or more errors"}

			_, err := h.reconciler.Reconcile(ctx, request("resumed"))
			Expect(err).NotTo(HaveOccurred())

			cr = h.eventuallyFinished("resumed")
			Expect(cr.Status.Phase).To(Equal(v1.PhaseSucceeded))
			Expect(cr.Status.JobID).To(Equal("J9"))

			executes, starts := h.strategy.Counts()
			Expect(executes).To(BeZero())
			Expect(starts).To(BeZero())
		})

		It("deletes an operation that succeeded but was not removed", func() {
			cr := newOperation("leftover", v1.PostgresBackupSpec{})
			cr.Status = v1.PostgresBackupStatus{Phase: v1.PhaseSucceeded, JobID: "J3"}
			h := newHarness(cr)
			defer h.stop()

			_, err := h.reconciler.Reconcile(ctx, request("leftover"))
			Expect(err).NotTo(HaveOccurred())
			Expect(h.get("leftover").DeletionTimestamp).NotTo(BeNil())
			Expect(h.jobs.Polls()).To(BeZero())
		})

		It("leaves failed operations alone", func() {
			cr := newOperation("failed", v1.PostgresBackupSpec{})
			cr.Status = v1.PostgresBackupStatus{Phase: v1.PhaseFailed, JobID: "J4"}
			h := newHarness(cr)
			defer h.stop()

			_, err := h.reconciler.Reconcile(ctx, request("failed"))
			Expect(err).NotTo(HaveOccurred())
			Expect(h.get("failed").DeletionTimestamp).To(BeNil())
			Expect(h.jobs.Polls()).To(BeZero())
		})
	})

	Context("when the operation is deleted while polling", func() {
		It("stops its task without writing a final status", func() {
			defer goleak.VerifyNone(GinkgoT(), goleak.IgnoreCurrent())

			cr := newOperation("cancelled", v1.PostgresBackupSpec{})
			cr.Finalizers = nil
			cr.Status = v1.PostgresBackupStatus{Phase: v1.PhaseRunning, JobID: "J5", CommvaultStatus: "Running"}
			h := newHarness(cr)
			h.deps.Settings.JobPollTimeout = time.Hour
			h.jobs.statuses = []commvault.JobStatus{"Running"}

			_, err := h.reconciler.Reconcile(ctx, request("cancelled"))
			Expect(err).NotTo(HaveOccurred())
			Eventually(h.jobs.Polls).Should(BeNumerically(">", 1))

			Expect(h.client.Delete(ctx, h.get("cancelled"))).To(Succeed())
			_, err = h.reconciler.Reconcile(ctx, request("cancelled"))
			Expect(err).NotTo(HaveOccurred())

			h.tasks.Wait()
			for _, patch := range h.patches.All() {
				Expect(patch).NotTo(ContainSubstring("finishedAt"))
			}
			h.stop()
		})
	})

	Context("when an in-place Zalando restore succeeds", func() {
		restore := v1.PostgresBackupSpec{
			Action:      v1.ActionRestore,
			Operator:    v1.TargetSystemZalando,
			RestoreMode: v1.RestoreModeInPlace,
			RestoreDate: "1741064767",
		}

		It("recovers the cluster to its original size", func() {
			cr := newOperation("rollback", restore)
			cr.Status = v1.PostgresBackupStatus{
				Phase: v1.PhaseRunning, JobID: "J7", CommvaultStatus: "Running",
				OriginalReplicas: ptr.To(int32(3)),
			}
			h := newHarness(cr, statefulSet("pg1", 0), statefulSet("pg1-db-ocp", 1), readyPod("pg1-0"))
			defer h.stop()
			h.jobs.statuses = []commvault.JobStatus{"Completed"}

			_, err := h.reconciler.Reconcile(ctx, request("rollback"))
			Expect(err).NotTo(HaveOccurred())

			cr = h.eventuallyFinished("rollback")
			Expect(cr.Status.Phase).To(Equal(v1.PhaseSucceeded))

			helper := &appsv1.StatefulSet{}
			Expect(h.client.Get(ctx, client.ObjectKey{Namespace: "db", Name: "pg1-db-ocp"}, helper)).To(Succeed())
			Expect(*helper.Spec.Replicas).To(BeZero())

			cluster := &appsv1.StatefulSet{}
			Expect(h.client.Get(ctx, client.ObjectKey{Namespace: "db", Name: "pg1"}, cluster)).To(Succeed())
			Expect(*cluster.Spec.Replicas).To(Equal(int32(3)))

			calls := h.executor.Calls()
			Expect(calls).To(HaveLen(1))
			Expect(calls[0].pod).To(Equal("pg1-0"))
			Expect(calls[0].container).To(Equal("postgres"))
			Expect(strings.Join(calls[0].command, " ")).To(ContainSubstring("'pg1' 'Yes I am aware' | patronictl remove pg1"))
		})

		It("finishes recovery when reconciled while the cluster starts", func() {
			cr := newOperation("rollback", restore)
			cr.Status = v1.PostgresBackupStatus{
				Phase: v1.PhaseRunning, JobID: "J6", CommvaultStatus: "Waiting",
				OriginalReplicas: ptr.To(int32(3)),
			}
			h := newHarness(cr, statefulSet("pg1", 0), statefulSet("pg1-db-ocp", 1))
			defer h.stop()
			h.deps.Waits.PodReady = 5 * time.Second
			h.jobs.statuses = []commvault.JobStatus{"Running", "Completed"}

			_, err := h.reconciler.Reconcile(ctx, request("rollback"))
			Expect(err).NotTo(HaveOccurred())

			// Recovery has started one instance and waits for it to become ready.
			Eventually(func(g Gomega) {
				cluster := &appsv1.StatefulSet{}
				g.Expect(h.client.Get(ctx, client.ObjectKey{Namespace: "db", Name: "pg1"}, cluster)).To(Succeed())
				g.Expect(*cluster.Spec.Replicas).To(Equal(int32(1)))
			}).Should(Succeed())

			cr = h.get("rollback")
			Expect(cr.Status.Phase).To(Equal(v1.PhaseRunning))
			Expect(cr.Status.CommvaultStatus).To(Equal("Completed"))

			for range 2 {
				_, err = h.reconciler.Reconcile(ctx, request("rollback"))
				Expect(err).NotTo(HaveOccurred())
			}
			Expect(h.get("rollback").DeletionTimestamp).To(BeNil())
			Expect(h.tasks.Running(request("rollback").NamespacedName, cr.UID)).To(BeTrue())

			Expect(h.client.Create(ctx, readyPod("pg1-0"))).To(Succeed())

			cr = h.eventuallyFinished("rollback")
			Expect(cr.Status.Phase).To(Equal(v1.PhaseSucceeded))
			cluster := &appsv1.StatefulSet{}
			Expect(h.client.Get(ctx, client.ObjectKey{Namespace: "db", Name: "pg1"}, cluster)).To(Succeed())
			Expect(*cluster.Spec.Replicas).To(Equal(int32(3)))
			Expect(h.executor.Calls()).To(HaveLen(1))
		})

		It("keeps a single instance when the cluster never becomes ready", func() {
			cr := newOperation("rollback", restore)
			cr.Status = v1.PostgresBackupStatus{
				Phase: v1.PhaseRunning, JobID: "J8", CommvaultStatus: "Running",
				OriginalReplicas: ptr.To(int32(3)),
			}
			h := newHarness(cr, statefulSet("pg1", 0), statefulSet("pg1-db-ocp", 1))
			defer h.stop()
			h.jobs.statuses = []commvault.JobStatus{"Completed"}

			_, err := h.reconciler.Reconcile(ctx, request("rollback"))
			Expect(err).NotTo(HaveOccurred())

			cr = h.eventuallyFinished("rollback")
			Expect(cr.Status.Phase).To(Equal(v1.PhaseSucceeded))

			cluster := &appsv1.StatefulSet{}
			Expect(h.client.Get(ctx, client.ObjectKey{Namespace: "db", Name: "pg1"}, cluster)).To(Succeed())
			Expect(*cluster.Spec.Replicas).To(Equal(int32(1)))
			Expect(h.executor.Calls()).To(BeEmpty())
		})

		It("skips recovery when the restore failed", func() {
			cr := newOperation("rollback", restore)
			cr.Status = v1.PostgresBackupStatus{Phase: v1.PhaseRunning, JobID: "J9", CommvaultStatus: "Running"}
			h := newHarness(cr, statefulSet("pg1", 0), statefulSet("pg1-db-ocp", 1))
			defer h.stop()
			h.jobs.statuses = []commvault.JobStatus{"Killed"}

			_, err := h.reconciler.Reconcile(ctx, request("rollback"))
			Expect(err).NotTo(HaveOccurred())

			cr = h.eventuallyFinished("rollback")
			Expect(cr.Status.Phase).To(Equal(v1.PhaseFailed))

			cluster := &appsv1.StatefulSet{}
			Expect(h.client.Get(ctx, client.ObjectKey{Namespace: "db", Name: "pg1"}, cluster)).To(Succeed())
			Expect(*cluster.Spec.Replicas).To(BeZero())
		})
	})

	Context("when status writers touch disjoint fields", func() {
		It("keeps the union of both patches", func() {
			h := newHarness(newOperation("merged", v1.PostgresBackupSpec{}))
			defer h.stop()
			cr := h.get("merged")

			Expect(utils.PatchStatus(ctx, h.deps, cr, map[string]any{"originalReplicas": 2})).To(Succeed())
			Expect(utils.PatchStatus(ctx, h.deps, cr, map[string]any{"phase": v1.PhaseRunning, "jobId": "J1"})).To(Succeed())

			cr = h.get("merged")
			Expect(cr.Status.OriginalReplicas).To(HaveValue(Equal(int32(2))))
			Expect(cr.Status.Phase).To(Equal(v1.PhaseRunning))
			Expect(cr.Status.JobID).To(Equal("J1"))
		})
	})

	Context("when the operation does not exist", func() {
		It("returns without error", func() {
			h := newHarness()
			defer h.stop()
			_, err := h.reconciler.Reconcile(ctx, request("ghost"))
			Expect(err).NotTo(HaveOccurred())

			err = h.client.Get(ctx, client.ObjectKey{Namespace: "db", Name: "ghost"}, &v1.PostgresBackup{})
			Expect(apierrors.IsNotFound(err)).To(BeTrue())
		})
	})
})

var _ = DescribeTable("PhaseFor",
	func(status string, want v1.Phase) {
		Expect(PhaseFor(commvault.JobStatus(status))).To(Equal(want))
	},
	Entry("empty", "", v1.PhasePending),
	Entry("unknown", "Unknown", v1.PhasePending),
	Entry("completed", "Completed", v1.PhaseSucceeded),
	Entry("completed with errors", "Completed w/ one or more errors", v1.PhaseSucceeded),
	Entry("upper case completed", "COMPLETED", v1.PhaseSucceeded),
	Entry("failed", "Failed", v1.PhaseFailed),
	Entry("killed", " killed ", v1.PhaseFailed),
	Entry("failed to start is not failed", "Failed to Start", v1.PhaseRunning),
	Entry("waiting", "Waiting", v1.PhasePending),
	Entry("pending", "PENDING", v1.PhasePending),
	Entry("running", "Running", v1.PhaseRunning),
	Entry("suspended", "Suspended", v1.PhaseRunning),
)

var _ = DescribeTable("progressPhase",
	func(status string, want v1.Phase) {
		Expect(progressPhase(commvault.JobStatus(status))).To(Equal(want))
	},
	Entry("waiting", "Waiting", v1.PhasePending),
	Entry("running", "Running", v1.PhaseRunning),
	Entry("completed is not final yet", "Completed", v1.PhaseRunning),
	Entry("killed is not final yet", "Killed", v1.PhaseRunning),
)
