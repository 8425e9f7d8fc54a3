package controller

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/cuemby/runfleet/pkg/log"
	"github.com/cuemby/runfleet/pkg/metrics"
	"github.com/cuemby/runfleet/pkg/supervisor"
	"github.com/cuemby/runfleet/pkg/types"
)

// JobName identifies the engine controller in the supervisor
const JobName = "engine-controller"

// Reasons a managed pod is deleted
const (
	ReasonRunMissing   = "run-missing"
	ReasonRunTerminal  = "run-terminal"
	ReasonRunRequeued  = "run-requeued"
	ReasonPodCompleted = "pod-completed"
)

// RunRegistry is the run access the controller needs
type RunRegistry interface {
	List() ([]*types.Run, error)
}

// Options configures the controller
type Options struct {
	Namespace          string
	ConfigMapName      string
	EncryptionKeysPath string
}

// Result summarises one reconciliation cycle
type Result struct {
	Created int
	Deleted int
	Failed  int
}

// Controller keeps one engine pod per dispatchable run, bounded by the
// configured engine capacity. It holds no state between cycles other than
// the settings snapshot, so several controllers may run against the same
// namespace.
type Controller struct {
	client   kubernetes.Interface
	registry RunRegistry
	settings *SettingsCache
	opts     Options
	logger   zerolog.Logger
	host     supervisor.Host
}

var (
	_ supervisor.Job         = (*Controller)(nil)
	_ supervisor.RunListener = (*Controller)(nil)
)

// New creates an engine controller
func New(client kubernetes.Interface, registry RunRegistry, logger zerolog.Logger, opts Options) *Controller {
	if opts.EncryptionKeysPath == "" {
		opts.EncryptionKeysPath = DefaultEncryptionKeysPath
	}
	return &Controller{
		client:   client,
		registry: registry,
		settings: NewSettingsCache(client, opts.Namespace, opts.ConfigMapName, logger),
		opts:     opts,
		logger:   logger,
	}
}

// Name implements supervisor.Job
func (c *Controller) Name() string { return JobName }

// Interval follows the run_poll setting currently in force
func (c *Controller) Interval() time.Duration {
	if s := c.settings.Current(); s != nil {
		return s.RunPoll
	}
	return DefaultRunPoll
}

// Initialise loads the settings once. A config map without a bootstrap URL
// keeps the controller out of the schedule.
func (c *Controller) Initialise(ctx context.Context, host supervisor.Host) error {
	c.host = host
	settings, err := c.settings.Refresh(ctx)
	if err != nil {
		return err
	}
	c.logger.Info().
		Str("namespace", settings.Namespace).
		Str("engine_label", settings.EngineLabel).
		Int("max_engines", settings.MaxEngines).
		Msg("Engine controller initialised")
	return nil
}

// Run implements supervisor.Job
func (c *Controller) Run(ctx context.Context) error {
	result, err := c.Reconcile(ctx)
	if err != nil {
		return err
	}
	if result.Created > 0 || result.Deleted > 0 || result.Failed > 0 {
		c.logger.Info().
			Int("created", result.Created).
			Int("deleted", result.Deleted).
			Int("failed", result.Failed).
			Msg("Reconciled engine pods")
	}
	c.host.ReportSuccess(JobName)
	return nil
}

// RunFinishedOrDeleted asks the supervisor for an immediate cycle
func (c *Controller) RunFinishedOrDeleted(runName string) {
	c.logger.Debug().Str("run", runName).Msg("Run finished or deleted, triggering reconciliation")
	if c.host != nil {
		c.host.Trigger(JobName)
	}
}

// Reconcile performs one pass: stale pods are removed first, then pods are
// created for the oldest eligible runs until capacity is used up. Failures
// on individual pods are logged and counted; only failing to read settings,
// pods or runs fails the pass.
func (c *Controller) Reconcile(ctx context.Context) (Result, error) {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.ReconciliationDuration)
		metrics.ReconciliationCyclesTotal.Inc()
	}()

	var result Result

	settings, err := c.settings.Refresh(ctx)
	if err != nil {
		return result, err
	}

	pods, err := c.client.CoreV1().Pods(settings.Namespace).List(ctx, metav1.ListOptions{
		LabelSelector: Selector(settings.EngineLabel),
	})
	if err != nil {
		metrics.EnginePodErrorsTotal.WithLabelValues("list").Inc()
		return result, fmt.Errorf("failed to list engine pods: %w", err)
	}

	runList, err := c.registry.List()
	if err != nil {
		return result, fmt.Errorf("failed to list runs: %w", err)
	}
	runs := make(map[string]*types.Run, len(runList))
	for _, run := range runList {
		runs[run.Name] = run
	}

	// Delete pass. Runs whose pod was touched this cycle are not eligible
	// for a new pod until the old one is gone.
	hasPod := make(map[string]bool, len(pods.Items))
	for i := range pods.Items {
		pod := &pods.Items[i]
		runName := pod.Labels[LabelRun]
		hasPod[runName] = true

		// Terminating pods stay listed until the kubelet finishes with them
		// and still hold their slot.
		if pod.DeletionTimestamp != nil {
			c.logger.Debug().Str("pod", pod.Name).Str("run", runName).Msg("Engine pod is terminating")
			continue
		}

		reason := deleteReason(pod, runs[runName])
		if reason == "" {
			continue
		}
		if c.deletePod(ctx, pod, reason) {
			result.Deleted++
		} else {
			result.Failed++
		}
	}

	capacity := settings.MaxEngines - (len(pods.Items) - result.Deleted)

	var eligible []*types.Run
	for _, run := range runList {
		if run.Local || run.IsTerminal() || hasPod[run.Name] {
			continue
		}
		eligible = append(eligible, run)
	}
	sort.SliceStable(eligible, func(i, j int) bool {
		if !eligible[i].Queued.Equal(eligible[j].Queued) {
			return eligible[i].Queued.Before(eligible[j].Queued)
		}
		return eligible[i].Name < eligible[j].Name
	})

	for _, run := range eligible {
		if result.Created >= capacity {
			break
		}
		if c.createPod(ctx, settings, run) {
			result.Created++
		} else {
			result.Failed++
		}
	}

	metrics.EnginePods.Set(float64(len(pods.Items) - result.Deleted + result.Created))
	return result, nil
}

// deleteReason decides whether a managed pod should go. An empty reason
// keeps it.
func deleteReason(pod *corev1.Pod, run *types.Run) string {
	switch {
	case run == nil:
		return ReasonRunMissing
	case run.IsTerminal():
		return ReasonRunTerminal
	case !run.Requeued.IsZero() && pod.CreationTimestamp.Time.Before(run.Requeued):
		return ReasonRunRequeued
	case pod.Status.Phase == corev1.PodSucceeded || pod.Status.Phase == corev1.PodFailed:
		return ReasonPodCompleted
	}
	return ""
}

func (c *Controller) deletePod(ctx context.Context, pod *corev1.Pod, reason string) bool {
	logger := log.WithRun(c.logger, pod.Labels[LabelRun]).With().
		Str("pod", pod.Name).Str("reason", reason).Logger()

	err := c.client.CoreV1().Pods(pod.Namespace).Delete(ctx, pod.Name, metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		metrics.EnginePodErrorsTotal.WithLabelValues("delete").Inc()
		logger.Error().Err(err).Msg("Failed to delete engine pod")
		return false
	}

	metrics.EnginePodsDeletedTotal.WithLabelValues(reason).Inc()
	logger.Info().Msg("Deleted engine pod")
	return true
}

func (c *Controller) createPod(ctx context.Context, settings *types.ControllerSettings, run *types.Run) bool {
	pod := BuildEnginePod(settings, run, c.opts.EncryptionKeysPath)
	logger := log.WithRun(c.logger, run.Name).With().Str("pod", pod.Name).Logger()

	_, err := c.client.CoreV1().Pods(settings.Namespace).Create(ctx, pod, metav1.CreateOptions{})
	if apierrors.IsAlreadyExists(err) {
		logger.Debug().Msg("Engine pod already exists")
		return true
	}
	if err != nil {
		metrics.EnginePodErrorsTotal.WithLabelValues("create").Inc()
		logger.Error().Err(err).Msg("Failed to create engine pod")
		return false
	}

	metrics.EnginePodsCreatedTotal.Inc()
	logger.Info().Str("image", settings.EngineImage).Msg("Created engine pod")
	return true
}
