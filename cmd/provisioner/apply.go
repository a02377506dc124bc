package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/cuemby/provisioner/pkg/client"
	"github.com/cuemby/provisioner/pkg/types"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Apply a configuration file",
	Long: `Apply worker types, AMI sets and secrets from a YAML file.

Documents in the file are applied in order. Existing worker types and
AMI sets are replaced; existing secrets are left alone.

Examples:
  # Apply a worker type definition
  provisioner apply -f gecko-b-1.yaml

  # Apply several resources separated by ---
  provisioner apply -f fleet.yaml`,
	RunE: runApply,
}

func init() {
	applyCmd.Flags().StringP("file", "f", "", "YAML file to apply (required)")
	_ = applyCmd.MarkFlagRequired("file")

	rootCmd.AddCommand(applyCmd)
}

// defaultSecretLifetime applies to secrets whose document has no expiration
const defaultSecretLifetime = time.Hour

// Resource is one document of an apply file
type Resource struct {
	APIVersion string           `yaml:"apiVersion"`
	Kind       string           `yaml:"kind"`
	Metadata   ResourceMetadata `yaml:"metadata"`
	Spec       map[string]any   `yaml:"spec"`
}

type ResourceMetadata struct {
	Name   string            `yaml:"name"`
	Labels map[string]string `yaml:"labels,omitempty"`
}

func runApply(cmd *cobra.Command, args []string) error {
	filename, _ := cmd.Flags().GetString("file")

	f, err := os.Open(filename)
	if err != nil {
		return fmt.Errorf("failed to read file: %w", err)
	}
	defer f.Close()

	resources, err := parseResources(f)
	if err != nil {
		return err
	}

	c, err := newClient(cmd)
	if err != nil {
		return err
	}

	for _, res := range resources {
		if err := applyResource(c, res); err != nil {
			return fmt.Errorf("%s %s: %w", res.Kind, res.Metadata.Name, err)
		}
	}
	return nil
}

// parseResources reads every YAML document from r. Empty documents are
// skipped.
func parseResources(r io.Reader) ([]*Resource, error) {
	dec := yaml.NewDecoder(r)

	var resources []*Resource
	for {
		var res Resource
		err := dec.Decode(&res)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse YAML: %w", err)
		}
		if res.Kind == "" && res.Metadata.Name == "" && res.Spec == nil {
			continue
		}
		if res.Metadata.Name == "" {
			return nil, fmt.Errorf("document %d: metadata.name is required", len(resources)+1)
		}
		resources = append(resources, &res)
	}

	if len(resources) == 0 {
		return nil, errors.New("no resources found")
	}
	return resources, nil
}

func applyResource(c *client.Client, res *Resource) error {
	switch res.Kind {
	case "WorkerType":
		return applyWorkerType(c, res)
	case "AmiSet":
		return applyAmiSet(c, res)
	case "Secret":
		return applySecret(c, res)
	default:
		return fmt.Errorf("unsupported resource kind: %s", res.Kind)
	}
}

// decodeSpec converts the loosely typed YAML spec into out through its
// JSON form, so the API types keep a single set of field names
func decodeSpec(spec map[string]any, out any) error {
	data, err := json.Marshal(spec)
	if err != nil {
		return fmt.Errorf("spec cannot be encoded: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("invalid spec: %w", err)
	}
	return nil
}

func applyWorkerType(c *client.Client, res *Resource) error {
	name := res.Metadata.Name

	var def types.WorkerType
	if err := decodeSpec(res.Spec, &def); err != nil {
		return err
	}
	def.WorkerType = name

	_, err := c.GetWorkerType(name)
	switch {
	case err == nil:
		fmt.Printf("Updating worker type: %s\n", name)
		if _, err := c.UpdateWorkerType(name, &def); err != nil {
			return fmt.Errorf("failed to update worker type: %w", err)
		}
		fmt.Printf("✓ Worker type updated: %s\n", name)
	case client.IsNotFound(err):
		fmt.Printf("Creating worker type: %s\n", name)
		if _, err := c.CreateWorkerType(name, &def); err != nil {
			return fmt.Errorf("failed to create worker type: %w", err)
		}
		fmt.Printf("✓ Worker type created: %s\n", name)
	default:
		return err
	}
	return nil
}

func applyAmiSet(c *client.Client, res *Resource) error {
	id := res.Metadata.Name

	var set types.AmiSet
	if err := decodeSpec(res.Spec, &set); err != nil {
		return err
	}
	set.ID = id

	_, err := c.GetAmiSet(id)
	switch {
	case err == nil:
		fmt.Printf("Updating AMI set: %s\n", id)
		if _, err := c.UpdateAmiSet(id, &set); err != nil {
			return fmt.Errorf("failed to update AMI set: %w", err)
		}
		fmt.Printf("✓ AMI set updated: %s\n", id)
	case client.IsNotFound(err):
		fmt.Printf("Creating AMI set: %s\n", id)
		if _, err := c.CreateAmiSet(id, &set); err != nil {
			return fmt.Errorf("failed to create AMI set: %w", err)
		}
		fmt.Printf("✓ AMI set created: %s\n", id)
	default:
		return err
	}
	return nil
}

// applySecret creates the secret named by its token. Redeeming a secret
// to check for existence would hand out credentials, so a replayed
// create is relied on instead and a conflict is reported as skipped.
func applySecret(c *client.Client, res *Resource) error {
	var secret types.Secret
	if err := decodeSpec(res.Spec, &secret); err != nil {
		return err
	}
	secret.Token = res.Metadata.Name
	if secret.WorkerType == "" {
		return errors.New("secret workerType is required")
	}
	if secret.Expiration.IsZero() {
		secret.Expiration = time.Now().Add(defaultSecretLifetime).UTC()
	}

	err := c.CreateSecret(&secret)
	switch {
	case err == nil:
		fmt.Printf("✓ Secret created for %s\n", secret.WorkerType)
	case client.IsConflict(err):
		fmt.Printf("Secret already exists for %s (skipping)\n", secret.WorkerType)
	default:
		return fmt.Errorf("failed to create secret: %w", err)
	}
	return nil
}
