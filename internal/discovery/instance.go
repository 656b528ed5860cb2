// Package discovery holds the optional AWS fleet self-registration backends
// (Cloud Map, Route53) a proxy instance can use to advertise itself to other
// replicas sharing a data root. Both backends need the same EC2 instance
// metadata and a region-bound aws.Config, loaded once here instead of being
// duplicated per backend.
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/ec2/imds"
)

// Instance is the subset of EC2 instance metadata the fleet backends need to
// register this process.
type Instance struct {
	ID        string
	PrivateIP string
	Region    string
}

// LoadInstance queries the instance metadata service for this instance's id,
// private IP and region, then returns an aws.Config bound to that region.
func LoadInstance(ctx context.Context) (Instance, aws.Config, error) {
	bootstrapCfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return Instance{}, aws.Config{}, fmt.Errorf("discovery: load aws config: %w", err)
	}
	client := imds.NewFromConfig(bootstrapCfg)

	id, err := getMetadata(ctx, client, "instance-id")
	if err != nil {
		return Instance{}, aws.Config{}, fmt.Errorf("discovery: get instance id: %w", err)
	}
	ip, err := getMetadata(ctx, client, "local-ipv4")
	if err != nil {
		return Instance{}, aws.Config{}, fmt.Errorf("discovery: get private ip: %w", err)
	}
	region, err := getRegion(ctx, client)
	if err != nil {
		return Instance{}, aws.Config{}, fmt.Errorf("discovery: get region: %w", err)
	}

	regionalCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return Instance{}, aws.Config{}, fmt.Errorf("discovery: load aws config with region: %w", err)
	}

	return Instance{ID: id, PrivateIP: ip, Region: region}, regionalCfg, nil
}

func getMetadata(ctx context.Context, client *imds.Client, path string) (string, error) {
	output, err := client.GetMetadata(ctx, &imds.GetMetadataInput{Path: path})
	if err != nil {
		return "", err
	}
	defer output.Content.Close()
	b, err := io.ReadAll(output.Content)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func getRegion(ctx context.Context, client *imds.Client) (string, error) {
	region, err := getMetadata(ctx, client, "placement/region")
	if err == nil {
		return region, nil
	}
	output, docErr := client.GetMetadata(ctx, &imds.GetMetadataInput{Path: "dynamic/instance-identity/document"})
	if docErr != nil {
		return "", docErr
	}
	defer output.Content.Close()
	var doc struct {
		Region string `json:"region"`
	}
	if decErr := json.NewDecoder(output.Content).Decode(&doc); decErr != nil {
		return "", decErr
	}
	return doc.Region, nil
}
