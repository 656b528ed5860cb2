// Package cloudmap registers a proxy instance with AWS Cloud Map and
// maintains a custom health-check heartbeat against the proxy's own
// /healthz endpoint, so other instances in the fleet can discover healthy
// peers sharing the same upstream namespaces.
package cloudmap

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/servicediscovery"
	sdtypes "github.com/aws/aws-sdk-go-v2/service/servicediscovery/types"

	"github.com/gitmirror/smart-proxy/internal/discovery"
)

const heartbeatInterval = 10 * time.Second

// Manager handles AWS Cloud Map registration and health heartbeats for this
// process.
type Manager struct {
	serviceID      string
	instanceID     string
	privateIP      string
	healthCheckURL string
	client         *servicediscovery.Client
	logger         *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Cloud Map manager. It fetches EC2 instance metadata and
// targets healthCheckURL (normally this process's own listen address plus
// its configured health path) for the heartbeat's liveness probe.
func New(ctx context.Context, serviceID, healthCheckURL string, logger *slog.Logger) (*Manager, error) {
	inst, cfg, err := discovery.LoadInstance(ctx)
	if err != nil {
		return nil, err
	}

	return &Manager{
		serviceID:      serviceID,
		instanceID:     inst.ID,
		privateIP:      inst.PrivateIP,
		healthCheckURL: healthCheckURL,
		client:         servicediscovery.NewFromConfig(cfg),
		logger:         logger,
	}, nil
}

// Start registers the instance with Cloud Map and begins the health
// heartbeat loop.
func (m *Manager) Start(ctx context.Context) error {
	output, err := m.client.RegisterInstance(ctx, &servicediscovery.RegisterInstanceInput{
		ServiceId:        aws.String(m.serviceID),
		InstanceId:       aws.String(m.instanceID),
		CreatorRequestId: aws.String(fmt.Sprintf("%s-%d", m.instanceID, time.Now().Unix())),
		Attributes: map[string]string{
			"AWS_INSTANCE_IPV4":      m.privateIP,
			"AWS_INIT_HEALTH_STATUS": string(sdtypes.CustomHealthStatusUnhealthy),
		},
	})
	if err != nil {
		return fmt.Errorf("cloudmap: register instance: %w", err)
	}

	m.logger.Info("registered with cloud map",
		"operation_id", output.OperationId,
		"service_id", m.serviceID,
		"instance_id", m.instanceID,
		"private_ip", m.privateIP,
	)

	hbCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	m.wg.Add(1)
	go func() {
		// Cloud Map registration needs a moment to propagate before the
		// first health update is accepted.
		time.Sleep(5 * time.Second)
		m.heartbeatLoop(hbCtx)
	}()

	return nil
}

// Stop stops the heartbeat loop and deregisters from Cloud Map.
func (m *Manager) Stop(ctx context.Context) {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()

	if _, err := m.client.DeregisterInstance(ctx, &servicediscovery.DeregisterInstanceInput{
		ServiceId:  aws.String(m.serviceID),
		InstanceId: aws.String(m.instanceID),
	}); err != nil {
		m.logger.Error("failed to deregister from cloud map", "err", err)
		return
	}
	m.logger.Info("deregistered from cloud map", "instance_id", m.instanceID)
}

func (m *Manager) heartbeatLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	m.updateHealthStatus(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.updateHealthStatus(ctx)
		}
	}
}

func (m *Manager) updateHealthStatus(ctx context.Context) {
	status := sdtypes.CustomHealthStatusHealthy
	if !m.checkHealth() {
		status = sdtypes.CustomHealthStatusUnhealthy
	}

	if _, err := m.client.UpdateInstanceCustomHealthStatus(ctx, &servicediscovery.UpdateInstanceCustomHealthStatusInput{
		ServiceId:  aws.String(m.serviceID),
		InstanceId: aws.String(m.instanceID),
		Status:     status,
	}); err != nil {
		m.logger.Warn("failed to update cloud map health status", "err", err, "status", status)
		return
	}
	m.logger.Debug("updated cloud map health status", "status", status)
}

func (m *Manager) checkHealth() bool {
	resp, err := http.Get(m.healthCheckURL)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
