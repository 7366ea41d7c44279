// Package gcp provides a runner streaming the Compute Engine instance
// inventory of a zone, page by page as the consumer fetches.
//
// Authentication uses Application Default Credentials (ADC).  No
// credential fields exist in Config -- auth is handled by the
// environment (attached service account, Workload Identity Federation,
// GOOGLE_APPLICATION_CREDENTIALS, or gcloud auth application-default login).
package gcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strconv"

	compute "cloud.google.com/go/compute/apiv1"
	computepb "cloud.google.com/go/compute/apiv1/computepb"
	gax "github.com/googleapis/gax-go/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/api/iterator"
	"google.golang.org/protobuf/proto"

	"github.com/terrpan/runnerhost/internal/runner"
	"github.com/terrpan/runnerhost/internal/scope"
	"github.com/terrpan/runnerhost/internal/store"
)

const (
	// InstancesResultType streams the instances of a zone.
	InstancesResultType = "gcp.instances"

	// ServiceName is the scope service holding the session's client.
	ServiceName = "gcp.instances.client"
)

// Config holds GCP-specific settings.
type Config struct {
	// Project is the default GCP project ID.
	Project string

	// Zone is the default zone.
	Zone string

	// PageSize is the number of instances requested per API page.
	// Default: 100.
	PageSize uint32
}

// instanceIterator is satisfied by *compute.InstanceIterator.
type instanceIterator interface {
	Next() (*computepb.Instance, error)
}

// instancesAPI is the subset of the instances client the runner uses.
type instancesAPI interface {
	List(ctx context.Context, req *computepb.ListInstancesRequest, opts ...gax.CallOption) instanceIterator
	Close() error
}

// restClient adapts *compute.InstancesClient to instancesAPI.
type restClient struct {
	*compute.InstancesClient
}

func (c restClient) List(ctx context.Context, req *computepb.ListInstancesRequest, opts ...gax.CallOption) instanceIterator {
	return c.InstancesClient.List(ctx, req, opts...)
}

// Instance summarizes a Compute Engine instance.
type Instance struct {
	ID          uint64            `json:"id"`
	Name        string            `json:"name"`
	Zone        string            `json:"zone"`
	Status      string            `json:"status"`
	MachineType string            `json:"machineType"`
	Labels      map[string]string `json:"labels,omitempty"`
	CreatedAt   string            `json:"createdAt"`
	InternalIP  string            `json:"internalIp,omitempty"`
}

// Register adds the per-session instances client to p.  The client is
// closed with the session scope.
func Register(p *scope.Provider) {
	p.Register(ServiceName, func(ctx context.Context, _ string) (any, error) {
		c, err := compute.NewInstancesRESTClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcp instances client: %w", err)
		}
		return restClient{c}, nil
	})
}

// Source builds instance inventory runners.
type Source struct {
	cfg    Config
	tracer trace.Tracer
}

// New creates a Source with defaults applied.
func New(cfg Config) *Source {
	if cfg.PageSize == 0 {
		cfg.PageSize = 100
	}
	return &Source{cfg: cfg, tracer: otel.Tracer("runnerhost/source/gcp")}
}

// Factories returns the store factories of this source.
func (s *Source) Factories() map[string]store.Factory {
	return map[string]store.Factory{InstancesResultType: s.Factory}
}

// Factory builds a runner listing instances.  Parameters: project and
// zone (override Config), filter (API filter expression), order_by.
func (s *Source) Factory(ctx context.Context, req store.Request, env store.Env) (runner.Runner, error) {
	api, err := scope.Resolve[instancesAPI](ctx, env.Scope, ServiceName)
	if err != nil {
		return nil, err
	}
	list, err := s.request(req)
	if err != nil {
		return nil, err
	}
	return runner.NewBuffered(s.producer(api, list, env.Logger), env.Options(req)...), nil
}

func (s *Source) request(req store.Request) (*computepb.ListInstancesRequest, error) {
	list := &computepb.ListInstancesRequest{
		Project:    req.Param("project", s.cfg.Project),
		Zone:       req.Param("zone", s.cfg.Zone),
		MaxResults: proto.Uint32(s.cfg.PageSize),
	}
	if list.Project == "" || list.Zone == "" {
		return nil, errors.New("gcp: project and zone are required")
	}
	if f := req.Param("filter", ""); f != "" {
		list.Filter = proto.String(f)
	}
	if o := req.Param("order_by", ""); o != "" {
		list.OrderBy = proto.String(o)
	}
	if ps := req.Param("page_size", ""); ps != "" {
		n, err := strconv.ParseUint(ps, 10, 32)
		if err != nil || n == 0 {
			return nil, fmt.Errorf("gcp: invalid page_size %q", ps)
		}
		list.MaxResults = proto.Uint32(uint32(n))
	}
	return list, nil
}

func (s *Source) producer(api instancesAPI, list *computepb.ListInstancesRequest, logger *slog.Logger) runner.Producer[Instance] {
	return func(ctx context.Context, emit func(Instance) error) error {
		ctx, span := s.tracer.Start(ctx, "source.gcp.ListInstances")
		defer span.End()

		span.SetAttributes(
			attribute.String("gcp.project", list.GetProject()),
			attribute.String("gcp.zone", list.GetZone()),
		)

		it := api.List(ctx, list)
		count := 0
		for {
			inst, err := it.Next()
			if errors.Is(err, iterator.Done) {
				break
			}
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return fmt.Errorf("list instances in %s/%s: %w", list.GetProject(), list.GetZone(), err)
			}
			if err := emit(summarize(inst)); err != nil {
				return err
			}
			count++
		}

		span.SetAttributes(attribute.Int("gcp.instances_count", count))
		if logger != nil {
			logger.Debug("instance listing finished",
				slog.String("project", list.GetProject()),
				slog.String("zone", list.GetZone()),
				slog.Int("instances", count),
			)
		}
		return nil
	}
}

func summarize(inst *computepb.Instance) Instance {
	out := Instance{
		ID:          inst.GetId(),
		Name:        inst.GetName(),
		Zone:        lastSegment(inst.GetZone()),
		Status:      inst.GetStatus(),
		MachineType: lastSegment(inst.GetMachineType()),
		Labels:      inst.GetLabels(),
		CreatedAt:   inst.GetCreationTimestamp(),
	}
	if nics := inst.GetNetworkInterfaces(); len(nics) > 0 {
		out.InternalIP = nics[0].GetNetworkIP()
	}
	return out
}

// lastSegment returns the final element of a resource URL.
func lastSegment(url string) string {
	if url == "" {
		return ""
	}
	return path.Base(url)
}
