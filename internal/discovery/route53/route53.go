// Package route53 registers a proxy instance's private IP under a shared
// DNS name, and records the registration in SSM Parameter Store so a
// fleet-management process can clean up entries for instances that
// terminate without running Deregister.
package route53

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/route53"
	"github.com/aws/aws-sdk-go-v2/service/route53/types"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"

	"github.com/gitmirror/smart-proxy/internal/discovery"
)

const ssmParameterPrefix = "/git-smart-proxy/instances/"

// instanceRecord is what gets stored in SSM for each registered instance.
type instanceRecord struct {
	PrivateIP    string `json:"private_ip"`
	RecordName   string `json:"record_name"`
	HostedZoneID string `json:"hosted_zone_id"`
}

// Manager handles Route53 DNS registration for this process.
type Manager struct {
	hostedZoneID string
	recordName   string
	instanceID   string
	privateIP    string
	r53Client    *route53.Client
	ssmClient    *ssm.Client
	logger       *slog.Logger
}

// New creates a Route53 manager. It fetches EC2 instance metadata.
func New(ctx context.Context, hostedZoneID, recordName string, logger *slog.Logger) (*Manager, error) {
	inst, cfg, err := discovery.LoadInstance(ctx)
	if err != nil {
		return nil, err
	}

	return &Manager{
		hostedZoneID: hostedZoneID,
		recordName:   recordName,
		instanceID:   inst.ID,
		privateIP:    inst.PrivateIP,
		r53Client:    route53.NewFromConfig(cfg),
		ssmClient:    ssm.NewFromConfig(cfg),
		logger:       logger,
	}, nil
}

// Register upserts a multivalue A record for this instance and stores its
// registration data in SSM.
func (m *Manager) Register(ctx context.Context) error {
	if _, err := m.r53Client.ChangeResourceRecordSets(ctx, &route53.ChangeResourceRecordSetsInput{
		HostedZoneId: aws.String(m.hostedZoneID),
		ChangeBatch:  m.recordChangeBatch(types.ChangeActionUpsert),
	}); err != nil {
		return fmt.Errorf("route53: create dns record: %w", err)
	}
	m.logger.Info("registered dns record", "name", m.recordName, "ip", m.privateIP, "instance_id", m.instanceID)

	record := instanceRecord{PrivateIP: m.privateIP, RecordName: m.recordName, HostedZoneID: m.hostedZoneID}
	recordJSON, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("route53: marshal instance record: %w", err)
	}

	paramName := ssmParameterPrefix + m.instanceID
	if _, err := m.ssmClient.PutParameter(ctx, &ssm.PutParameterInput{
		Name:      aws.String(paramName),
		Value:     aws.String(string(recordJSON)),
		Type:      ssmtypes.ParameterTypeString,
		Overwrite: aws.Bool(true),
	}); err != nil {
		return fmt.Errorf("route53: store ssm parameter: %w", err)
	}
	m.logger.Info("stored instance record in ssm", "parameter", paramName)
	return nil
}

// Deregister removes the DNS record and SSM parameter for this instance.
func (m *Manager) Deregister(ctx context.Context) error {
	_, err := m.r53Client.ChangeResourceRecordSets(ctx, &route53.ChangeResourceRecordSetsInput{
		HostedZoneId: aws.String(m.hostedZoneID),
		ChangeBatch:  m.recordChangeBatch(types.ChangeActionDelete),
	})
	if err != nil {
		m.logger.Error("failed to delete dns record", "err", err)
	} else {
		m.logger.Info("deleted dns record", "instance_id", m.instanceID)
	}

	paramName := ssmParameterPrefix + m.instanceID
	if _, ssmErr := m.ssmClient.DeleteParameter(ctx, &ssm.DeleteParameterInput{Name: aws.String(paramName)}); ssmErr != nil {
		m.logger.Error("failed to delete ssm parameter", "err", ssmErr)
	} else {
		m.logger.Info("deleted ssm parameter", "parameter", paramName)
	}

	return err
}

func (m *Manager) recordChangeBatch(action types.ChangeAction) *types.ChangeBatch {
	return &types.ChangeBatch{
		Comment: aws.String(fmt.Sprintf("%s instance %s", action, m.instanceID)),
		Changes: []types.Change{{
			Action: action,
			ResourceRecordSet: &types.ResourceRecordSet{
				Name:             aws.String(m.recordName),
				Type:             types.RRTypeA,
				TTL:              aws.Int64(10),
				SetIdentifier:    aws.String(m.instanceID),
				MultiValueAnswer: aws.Bool(true),
				ResourceRecords:  []types.ResourceRecord{{Value: aws.String(m.privateIP)}},
			},
		}},
	}
}
