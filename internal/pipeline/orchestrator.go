package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cloud-pipelines/orchestrator/internal/store"
)

// retryAttempts and retryDelay bound the storage interactions on the
// success path (log upload, output-info probing) per section 5.
const (
	retryAttempts = 5
	retryDelay    = time.Second
)

// Orchestrator implements the pull-based, stateless-between-sweeps
// scheduler of section 4.2. It holds no per-node state across calls to
// SweepOnce: a restart is equivalent to a pause, per section 9.
type Orchestrator struct {
	Repo               store.Repository
	Launcher           Launcher
	Artifacts          ArtifactStore
	Layout             URILayout
	DefaultAnnotations map[string]any
	CacheEnabled       bool
	Logger             *logrus.Entry
}

// SweepOnce runs the ready-queue and in-flight-queue handlers once each,
// each wrapped in its own recover so one queue's panic never blocks the
// other — the same shape as the original's process_each_queue_once.
func (o *Orchestrator) SweepOnce(ctx context.Context) {
	o.safely("ready-queue", func() error {
		_, err := o.sweepReady(ctx)
		return err
	})
	o.safely("in-flight-queue", func() error {
		_, err := o.sweepInFlight(ctx)
		return err
	})
}

func (o *Orchestrator) safely(queue string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			o.log().WithField("queue", queue).Errorf("panic in sweep: %v", r)
		}
	}()
	if err := fn(); err != nil {
		o.log().WithField("queue", queue).WithError(err).Warn("sweep tick failed, will retry next tick")
	}
}

func (o *Orchestrator) log() *logrus.Entry {
	if o.Logger != nil {
		return o.Logger
	}
	return logrus.NewEntry(logrus.StandardLogger())
}

// sweepReady implements section 4.2.2. The returned bool reports whether
// a node was picked; SweepOnce, its only caller, discards it.
func (o *Orchestrator) sweepReady(ctx context.Context) (bool, error) {
	node, ok, err := o.Repo.PickReadyExecution(ctx)
	if err != nil {
		return false, fmt.Errorf("pick ready execution: %w", err)
	}
	if !ok {
		return false, nil
	}

	processErr := o.Repo.WithTx(ctx, func(ctx context.Context, tx store.Repository) error {
		return o.processReadyNode(ctx, tx, node)
	})
	if processErr == nil {
		return true, nil
	}

	o.log().WithField("execution_id", node.ID).WithError(processErr).Error("ready sweep failed, marking SYSTEM_ERROR")
	if markErr := o.markSystemErrorAndSkip(ctx, node.ID); markErr != nil {
		return true, fmt.Errorf("process failed (%v) and mark-system-error also failed: %w", processErr, markErr)
	}
	return true, nil
}

func (o *Orchestrator) processReadyNode(ctx context.Context, tx store.Repository, node *ExecutionNode) error {
	task, err := decodeTaskSpec(node.TaskSpecJSON)
	if err != nil {
		return &OrchestratorError{Reason: "decode task spec: " + err.Error()}
	}
	if task.ComponentSpec.Container == nil {
		return &OrchestratorError{Reason: "ready sweep picked a non-container node"}
	}

	links, err := tx.GetInputArtifactLinks(ctx, node.ID)
	if err != nil {
		return fmt.Errorf("get input artifact links: %w", err)
	}

	inputHashes := make(map[string]string, len(links))
	launchInputs := make(map[string]InputArgument, len(links))

	for _, link := range links {
		artifact, err := tx.GetArtifactNode(ctx, link.ArtifactID)
		if err != nil {
			return fmt.Errorf("get artifact node %d: %w", link.ArtifactID, err)
		}
		if artifact.ArtifactDataID == nil {
			// Step 1: still unresolved; downgrade and stop — the safety net
			// that re-checks readiness on every sweep (section 5).
			return tx.UpdateExecutionStatus(ctx, node.ID, StatusWaitingForUpstream)
		}
		data, err := tx.GetArtifactData(ctx, *artifact.ArtifactDataID)
		if err != nil {
			return fmt.Errorf("get artifact data %d: %w", *artifact.ArtifactDataID, err)
		}
		inputHashes[link.InputName] = data.Hash
		launchInputs[link.InputName] = InputArgument{
			TotalSize: data.TotalSize,
			IsDir:     data.IsDir,
			Value:     data.Value,
			URI:       data.URI,
		}
	}

	cacheKey, err := computeCacheKey(task.ComponentSpec.Container, inputHashes)
	if err != nil {
		return fmt.Errorf("compute cache key: %w", err)
	}
	if err := tx.SetExecutionCacheKey(ctx, node.ID, cacheKey); err != nil {
		return fmt.Errorf("set cache key: %w", err)
	}

	if o.CacheEnabled {
		adopted, err := o.tryAdoptCache(ctx, tx, node, cacheKey)
		if err != nil {
			return err
		}
		if adopted {
			return nil
		}
	}

	execUUID, err := newExecutionUUID(time.Now())
	if err != nil {
		return fmt.Errorf("generate execution uuid: %w", err)
	}
	logURI := o.Layout.LogURI(execUUID)

	outputLinks, err := tx.GetOutputArtifactLinks(ctx, node.ID)
	if err != nil {
		return fmt.Errorf("get output artifact links: %w", err)
	}
	outputURIs := make(map[string]string, len(outputLinks))
	for _, ol := range outputLinks {
		outputURIs[ol.OutputName] = o.Layout.OutputURI(execUUID, ol.OutputName)
	}
	for name, in := range launchInputs {
		staging := o.Layout.InputURI(execUUID, name)
		in.StagingURI = staging
		launchInputs[name] = in
	}

	run, err := tx.GetPipelineRunByExecution(ctx, node.ID)
	if err != nil {
		return fmt.Errorf("get pipeline run: %w", err)
	}
	annotations := mergeAllAnnotations(o.DefaultAnnotations, run.Annotations, task.Annotations)

	launched, err := o.Launcher.Launch(ctx, ContainerLaunchSpec{
		Container:      task.ComponentSpec.Container,
		InputArguments: launchInputs,
		OutputURIs:     outputURIs,
		LogURI:         logURI,
		Annotations:    annotations,
	})
	if err != nil {
		return &LauncherError{Op: "launch", Err: err}
	}

	inputDataIDs := make(map[string]int64, len(links))
	for _, link := range links {
		artifact, err := tx.GetArtifactNode(ctx, link.ArtifactID)
		if err == nil && artifact.ArtifactDataID != nil {
			inputDataIDs[link.InputName] = *artifact.ArtifactDataID
		}
	}

	ce := &ContainerExecution{
		ExecUUID:             execUUID,
		Status:               launched.Status,
		ExitCode:             launched.ExitCode,
		LauncherData:         launched.Handle,
		InputArtifactDataMap: inputDataIDs,
		LogURI:               logURI,
	}
	ceID, err := tx.CreateContainerExecution(ctx, ce)
	if err != nil {
		return fmt.Errorf("create container execution: %w", err)
	}
	if err := tx.SetExecutionContainerExecution(ctx, node.ID, ceID); err != nil {
		return fmt.Errorf("set execution container execution: %w", err)
	}
	return tx.UpdateExecutionStatus(ctx, node.ID, StatusPending)
}

// tryAdoptCache implements the cache-adoption branch of section 4.2.2
// step 3: if a prior SUCCEEDED ContainerExecution used the same key, copy
// its output ArtifactData onto this node's outputs instead of launching.
func (o *Orchestrator) tryAdoptCache(ctx context.Context, tx store.Repository, node *ExecutionNode, cacheKey string) (bool, error) {
	ce, found, err := tx.FindCachedSuccess(ctx, cacheKey)
	if err != nil {
		return false, fmt.Errorf("find cached success: %w", err)
	}
	if !found {
		return false, nil
	}
	outputLinks, err := tx.GetOutputArtifactLinks(ctx, node.ID)
	if err != nil {
		return false, fmt.Errorf("get output artifact links for cache adoption: %w", err)
	}
	for _, ol := range outputLinks {
		if dataID, ok := ce.OutputArtifactDataMap[ol.OutputName]; ok {
			if err := tx.AttachArtifactData(ctx, ol.ArtifactID, dataID); err != nil {
				return false, fmt.Errorf("attach cached artifact data: %w", err)
			}
		}
	}
	if err := tx.SetExecutionContainerExecution(ctx, node.ID, ce.ID); err != nil {
		return false, fmt.Errorf("adopt container execution: %w", err)
	}
	if err := tx.UpdateExecutionStatus(ctx, node.ID, StatusSucceeded); err != nil {
		return false, fmt.Errorf("mark cache hit succeeded: %w", err)
	}
	if err := wakeDownstream(ctx, tx, node.ID); err != nil {
		return false, fmt.Errorf("wake downstream after cache hit: %w", err)
	}
	return true, nil
}

// sweepInFlight implements section 4.2.3.
func (o *Orchestrator) sweepInFlight(ctx context.Context) (bool, error) {
	ce, ok, err := o.Repo.PickInFlightExecution(ctx)
	if err != nil {
		return false, fmt.Errorf("pick in-flight execution: %w", err)
	}
	if !ok {
		return false, nil
	}

	// Step 1: stamp and commit first so a repeatedly-failing refresh
	// cannot starve the round-robin aging.
	if err := o.Repo.TouchLastProcessedAt(ctx, ce.ID, time.Now().UTC()); err != nil {
		return true, fmt.Errorf("touch last processed at: %w", err)
	}

	processErr := o.Repo.WithTx(ctx, func(ctx context.Context, tx store.Repository) error {
		return o.processInFlight(ctx, tx, ce)
	})
	if processErr == nil {
		return true, nil
	}

	o.log().WithField("container_execution_id", ce.ID).WithError(processErr).Error("in-flight sweep failed, marking SYSTEM_ERROR")
	if markErr := o.markContainerExecutionSystemError(ctx, ce.ID); markErr != nil {
		return true, fmt.Errorf("process failed (%v) and mark-system-error also failed: %w", processErr, markErr)
	}
	return true, nil
}

func (o *Orchestrator) processInFlight(ctx context.Context, tx store.Repository, ce *ContainerExecution) error {
	refreshed, err := o.Launcher.Refresh(ctx, ce.LauncherData)
	if err != nil {
		return &LauncherError{Op: "refresh", Err: err}
	}

	nodes, err := tx.GetExecutionNodesByContainerExecution(ctx, ce.ID)
	if err != nil {
		return fmt.Errorf("get execution nodes for container execution: %w", err)
	}

	ce.Status = refreshed.Status
	ce.ExitCode = refreshed.ExitCode
	if len(refreshed.Handle) > 0 {
		ce.LauncherData = refreshed.Handle
	}

	switch refreshed.Status {
	case LaunchRunning:
		for _, n := range nodes {
			if n.ContainerExecutionStatus != nil && *n.ContainerExecutionStatus == StatusPending {
				if err := tx.UpdateExecutionStatus(ctx, n.ID, StatusRunning); err != nil {
					return err
				}
			}
		}
		return tx.UpdateContainerExecution(ctx, ce)

	case LaunchSucceeded:
		return o.finishSucceeded(ctx, tx, ce, nodes)

	case LaunchFailed:
		if err := retry(func() error { return o.uploadLogs(ctx, ce) }); err != nil {
			o.log().WithError(err).Warn("log upload failed after retries")
		}
		if err := tx.UpdateContainerExecution(ctx, ce); err != nil {
			return err
		}
		for _, n := range nodes {
			if err := tx.UpdateExecutionStatus(ctx, n.ID, StatusFailed); err != nil {
				return err
			}
			if err := skipDownstream(ctx, tx, n.ID); err != nil {
				return err
			}
		}
		return nil

	default: // LaunchError or unknown
		ce.Status = LaunchFailed
		if err := tx.UpdateContainerExecution(ctx, ce); err != nil {
			return err
		}
		for _, n := range nodes {
			if err := tx.UpdateExecutionStatus(ctx, n.ID, StatusSystemError); err != nil {
				return err
			}
			if err := skipDownstream(ctx, tx, n.ID); err != nil {
				return err
			}
		}
		return nil
	}
}

func (o *Orchestrator) finishSucceeded(ctx context.Context, tx store.Repository, ce *ContainerExecution, nodes []*ExecutionNode) error {
	if err := retry(func() error { return o.uploadLogs(ctx, ce) }); err != nil {
		o.log().WithError(err).Warn("log upload failed after retries, proceeding anyway")
	}

	if ce.OutputArtifactDataMap == nil {
		ce.OutputArtifactDataMap = make(map[string]int64)
	}

	for _, node := range nodes {
		outputLinks, err := tx.GetOutputArtifactLinks(ctx, node.ID)
		if err != nil {
			return fmt.Errorf("get output artifact links: %w", err)
		}
		for _, ol := range outputLinks {
			dataID, ok := ce.OutputArtifactDataMap[ol.OutputName]
			if !ok {
				uri := o.Layout.OutputURI(ce.ExecUUID, ol.OutputName)
				var info ArtifactInfo
				err := retry(func() error {
					var infoErr error
					info, infoErr = o.Artifacts.GetInfo(ctx, uri)
					return infoErr
				})
				if err != nil {
					return &StorageError{Op: "get_info", Err: err}
				}

				var value *string
				if !info.IsDir && info.TotalSize < 256 {
					if text, err := o.Artifacts.DownloadText(ctx, uri); err == nil {
						value = &text
					}
				}
				u := uri
				dataID, err = tx.GetOrCreateArtifactData(ctx, &ArtifactData{
					TotalSize: info.TotalSize,
					IsDir:     info.IsDir,
					Hash:      info.Hash,
					URI:       &u,
					Value:     value,
				})
				if err != nil {
					return fmt.Errorf("create output artifact data: %w", err)
				}
				ce.OutputArtifactDataMap[ol.OutputName] = dataID
			}
			if err := tx.AttachArtifactData(ctx, ol.ArtifactID, dataID); err != nil {
				return fmt.Errorf("attach output artifact data: %w", err)
			}
		}
		if err := tx.UpdateExecutionStatus(ctx, node.ID, StatusSucceeded); err != nil {
			return err
		}
		if err := wakeDownstream(ctx, tx, node.ID); err != nil {
			return err
		}
	}

	return tx.UpdateContainerExecution(ctx, ce)
}

func (o *Orchestrator) uploadLogs(ctx context.Context, ce *ContainerExecution) error {
	text, err := o.Launcher.Logs(ctx, ce.LauncherData)
	if err != nil {
		return err
	}
	return o.Artifacts.UploadText(ctx, ce.LogURI, text)
}

// wakeDownstream implements section 4.2.4: direct downstream nodes
// currently WAITING_FOR_UPSTREAM move to QUEUED; the next ready sweep
// revalidates full readiness.
func wakeDownstream(ctx context.Context, tx store.Repository, executionID int64) error {
	downstream, err := tx.GetDirectDownstream(ctx, executionID)
	if err != nil {
		return fmt.Errorf("get direct downstream: %w", err)
	}
	for _, d := range downstream {
		if d.ContainerExecutionStatus != nil && *d.ContainerExecutionStatus == StatusWaitingForUpstream {
			if err := tx.UpdateExecutionStatus(ctx, d.ID, StatusQueued); err != nil {
				return err
			}
		}
	}
	return nil
}

// skipDownstream implements section 4.2.5's depth-first skip propagation.
func skipDownstream(ctx context.Context, tx store.Repository, fromExecutionID int64) error {
	return skipDownstreamVisited(ctx, tx, fromExecutionID, make(map[int64]bool))
}

func skipDownstreamVisited(ctx context.Context, tx store.Repository, fromExecutionID int64, visited map[int64]bool) error {
	if visited[fromExecutionID] {
		return nil
	}
	visited[fromExecutionID] = true

	downstream, err := tx.GetDirectDownstream(ctx, fromExecutionID)
	if err != nil {
		return fmt.Errorf("get direct downstream: %w", err)
	}
	for _, d := range downstream {
		if d.ContainerExecutionStatus != nil && *d.ContainerExecutionStatus == StatusWaitingForUpstream {
			if err := tx.UpdateExecutionStatus(ctx, d.ID, StatusSkipped); err != nil {
				return err
			}
			if err := skipDownstreamVisited(ctx, tx, d.ID, visited); err != nil {
				return err
			}
		}
	}
	return nil
}

// markSystemErrorAndSkip runs in a fresh transaction after a ready-sweep
// handler's transaction rolled back: it commits SYSTEM_ERROR and
// downstream skip as a best-effort follow-up, per section 4.2.2 step 6.
func (o *Orchestrator) markSystemErrorAndSkip(ctx context.Context, executionID int64) error {
	return o.Repo.WithTx(ctx, func(ctx context.Context, tx store.Repository) error {
		node, err := tx.GetExecutionNode(ctx, executionID)
		if err != nil {
			return err
		}
		if node.ContainerExecutionStatus != nil && node.ContainerExecutionStatus.Terminal() {
			return nil // already terminal; nothing to do (safety, section 5)
		}
		if err := tx.UpdateExecutionStatus(ctx, executionID, StatusSystemError); err != nil {
			return err
		}
		return skipDownstream(ctx, tx, executionID)
	})
}

// markContainerExecutionSystemError is the in-flight sweep's equivalent
// follow-up, applied to every ExecutionNode sharing the ContainerExecution.
func (o *Orchestrator) markContainerExecutionSystemError(ctx context.Context, containerExecutionID int64) error {
	return o.Repo.WithTx(ctx, func(ctx context.Context, tx store.Repository) error {
		nodes, err := tx.GetExecutionNodesByContainerExecution(ctx, containerExecutionID)
		if err != nil {
			return err
		}
		for _, n := range nodes {
			if n.ContainerExecutionStatus != nil && n.ContainerExecutionStatus.Terminal() {
				continue
			}
			if err := tx.UpdateExecutionStatus(ctx, n.ID, StatusSystemError); err != nil {
				return err
			}
			if err := skipDownstream(ctx, tx, n.ID); err != nil {
				return err
			}
		}
		return nil
	})
}

// Cancel implements section 4.5: walk the run's subtree via the closure
// table and transition every non-terminal container node to CANCELLED,
// asking the launcher to terminate in-flight containers best effort.
// Idempotent: terminal nodes are left untouched.
func (o *Orchestrator) Cancel(ctx context.Context, runID int64, byUser string) error {
	o.log().WithFields(logrus.Fields{"run_id": runID, "cancelled_by": byUser}).Info("cancelling pipeline run")
	return o.Repo.WithTx(ctx, func(ctx context.Context, tx store.Repository) error {
		run, err := tx.GetPipelineRun(ctx, runID)
		if err != nil {
			return err
		}
		subtree, err := tx.GetSubtree(ctx, run.RootExecutionID)
		if err != nil {
			return fmt.Errorf("get subtree: %w", err)
		}
		for _, n := range subtree {
			if n.ContainerExecutionStatus == nil || n.ContainerExecutionStatus.Terminal() {
				continue
			}
			if n.ContainerExecutionID != nil {
				if ce, err := tx.GetContainerExecution(ctx, *n.ContainerExecutionID); err == nil {
					_ = o.Launcher.Terminate(ctx, ce.LauncherData) // best effort
				}
			}
			if err := tx.UpdateExecutionStatus(ctx, n.ID, StatusCancelled); err != nil {
				return err
			}
			if err := skipDownstream(ctx, tx, n.ID); err != nil {
				return err
			}
		}
		return nil
	})
}

func decodeTaskSpec(data []byte) (*TaskSpec, error) {
	var t TaskSpec
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// retry bounds storage interactions on the success path to at most
// retryAttempts tries with retryDelay between them, per section 5.
func retry(fn func() error) error {
	var err error
	for i := 0; i < retryAttempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if i < retryAttempts-1 {
			time.Sleep(retryDelay)
		}
	}
	return err
}
