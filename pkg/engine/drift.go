package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"time"

	"github.com/google/uuid"
)

// DefaultDriftDetector refreshes resources through their providers and
// compares the live state with tracked state.
type DefaultDriftDetector struct {
	providers ProviderRegistry
	state     StateManager
	events    EventPublisher
	metrics   MetricsRecorder
}

// NewDriftDetector creates a drift detector.
func NewDriftDetector(providers ProviderRegistry, state StateManager, events EventPublisher) *DefaultDriftDetector {
	return &DefaultDriftDetector{
		providers: providers,
		state:     state,
		events:    events,
	}
}

// WithMetrics attaches a metrics recorder for per-check measurements.
func (d *DefaultDriftDetector) WithMetrics(metrics MetricsRecorder) *DefaultDriftDetector {
	d.metrics = metrics
	return d
}

// DetectDrift refreshes one resource and reports drift.
func (d *DefaultDriftDetector) DetectDrift(ctx context.Context, resourceID string) (*DriftReport, error) {
	resource, err := d.state.GetResource(ctx, resourceID)
	if err != nil {
		return nil, NewPermanentError(
			fmt.Sprintf("resource %s is not tracked", resourceID), err).
			WithCode(ErrCodeNotFound).
			WithResource(resourceID)
	}
	return d.detect(ctx, resource)
}

// DetectAll checks every tracked resource.
func (d *DefaultDriftDetector) DetectAll(ctx context.Context) ([]DriftReport, error) {
	resources, err := d.state.ListResources(ctx)
	if err != nil {
		return nil, fmt.Errorf("list tracked resources: %w", err)
	}

	reports := make([]DriftReport, 0, len(resources))
	for i := range resources {
		report, err := d.detect(ctx, &resources[i])
		if err != nil {
			return nil, err
		}
		reports = append(reports, *report)
	}
	return reports, nil
}

func (d *DefaultDriftDetector) detect(ctx context.Context, resource *Resource) (*DriftReport, error) {
	report, err := d.check(ctx, resource)
	if report != nil && d.metrics != nil {
		d.metrics.RecordDriftDetection(resource.Type, string(report.Status))
	}
	return report, err
}

func (d *DefaultDriftDetector) check(ctx context.Context, resource *Resource) (*DriftReport, error) {
	report := &DriftReport{
		ResourceID:   resource.ID,
		DesiredState: resource.State,
		DetectedAt:   time.Now(),
	}

	provider, err := d.providers.Get(ctx, resource.Type, "latest")
	if err != nil {
		report.Status = DriftStatusUnknown
		return report, nil
	}

	resp, err := provider.Read(ctx, ReadRequest{
		ResourceID: resource.ID,
		Config:     resource.Config,
		State:      resource.State,
	})
	if err != nil {
		report.Status = DriftStatusUnknown
		return report, nil
	}

	if !resp.Exists {
		report.Status = DriftStatusGone
		d.recordDrift(ctx, resource, report, "resource no longer exists")
		return report, nil
	}

	report.ActualState = resp.State
	drifts := diffDocuments(resource.State, resp.State)
	if len(drifts) == 0 {
		report.Status = DriftStatusInSync
		return report, nil
	}

	report.Status = DriftStatusDrifted
	report.Drifts = drifts
	d.recordDrift(ctx, resource, report,
		fmt.Sprintf("%d attribute(s) drifted", len(drifts)))
	return report, nil
}

// recordDrift marks the resource drifted in state and emits an event.
func (d *DefaultDriftDetector) recordDrift(ctx context.Context, resource *Resource, report *DriftReport, message string) {
	resource.Status = ResourceStatusDrifted
	_ = d.state.SaveResource(ctx, resource)

	if d.events == nil {
		return
	}
	_ = d.events.Publish(ctx, &Event{
		ID:         uuid.New().String(),
		Type:       EventTypeDriftDetected,
		Timestamp:  time.Now(),
		ResourceID: resource.ID,
		Message:    fmt.Sprintf("drift on %s: %s", resource.ID, message),
		Level:      EventTypeDriftDetected.Severity(),
		Details:    map[string]interface{}{"status": string(report.Status)},
	})
}

// diffDocuments compares two JSON documents and reports field-level
// changes with dotted paths.
func diffDocuments(before, after json.RawMessage) []Change {
	var bv, av interface{}
	if err := json.Unmarshal(before, &bv); err != nil {
		bv = nil
	}
	if err := json.Unmarshal(after, &av); err != nil {
		av = nil
	}

	changes := make([]Change, 0)
	diffValues("", bv, av, &changes)
	return changes
}

func diffValues(path string, before, after interface{}, changes *[]Change) {
	if reflect.DeepEqual(before, after) {
		return
	}

	bm, bOK := before.(map[string]interface{})
	am, aOK := after.(map[string]interface{})
	if bOK && aOK {
		keys := make(map[string]struct{}, len(bm)+len(am))
		for k := range bm {
			keys[k] = struct{}{}
		}
		for k := range am {
			keys[k] = struct{}{}
		}
		sorted := make([]string, 0, len(keys))
		for k := range keys {
			sorted = append(sorted, k)
		}
		sort.Strings(sorted)

		for _, k := range sorted {
			childPath := k
			if path != "" {
				childPath = path + "." + k
			}
			bChild, inBefore := bm[k]
			aChild, inAfter := am[k]
			switch {
			case !inBefore:
				*changes = append(*changes, Change{
					Path:   childPath,
					After:  aChild,
					Action: ChangeActionAdd,
				})
			case !inAfter:
				*changes = append(*changes, Change{
					Path:   childPath,
					Before: bChild,
					Action: ChangeActionRemove,
				})
			default:
				diffValues(childPath, bChild, aChild, changes)
			}
		}
		return
	}

	if path == "" {
		path = "."
	}
	*changes = append(*changes, Change{
		Path:   path,
		Before: before,
		After:  after,
		Action: ChangeActionModify,
	})
}
