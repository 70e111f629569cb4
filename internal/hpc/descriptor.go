package hpc

import (
	"encoding/xml"
	"eventbvt/internal/apperrors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// JobDescriptor describes the job to create. It renders to the HPC XML job format.
type JobDescriptor struct {
	XMLName xml.Name         `xml:"Job" yaml:"-"`
	Name    string           `xml:"Name,attr" yaml:"name"`
	Tasks   []TaskDescriptor `xml:"Tasks>Task" yaml:"tasks"`
}

// TaskDescriptor is one task of a job.
type TaskDescriptor struct {
	CommandLine string `xml:"CommandLine,attr" yaml:"commandLine"`
	MinCores    int    `xml:"MinCores,attr,omitempty" yaml:"minCores"`
	MaxCores    int    `xml:"MaxCores,attr,omitempty" yaml:"maxCores"`
}

// DefaultJob returns the single-task job used when no descriptor file is configured.
func DefaultJob() JobDescriptor {
	return JobDescriptor{
		Name: "SimpleJob",
		Tasks: []TaskDescriptor{
			{CommandLine: "echo Hello", MinCores: 1, MaxCores: 1},
		},
	}
}

// XML renders the descriptor as an HPC job document.
func (d JobDescriptor) XML() (string, error) {
	data, err := xml.MarshalIndent(d, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Validate checks the descriptor is submittable.
func (d JobDescriptor) Validate() error {
	if d.Name == "" {
		return apperrors.Configuration("name", "job name is required")
	}
	if len(d.Tasks) == 0 {
		return apperrors.Configuration("tasks", "job must have at least one task")
	}
	for i, task := range d.Tasks {
		if task.CommandLine == "" {
			return apperrors.Configuration("tasks", fmt.Sprintf("task %d: commandLine is required", i+1))
		}
		if task.MinCores < 0 || task.MaxCores < 0 {
			return apperrors.Configuration("tasks", fmt.Sprintf("task %d: core counts must not be negative", i+1))
		}
		if task.MaxCores > 0 && task.MinCores > task.MaxCores {
			return apperrors.Configuration("tasks", fmt.Sprintf("task %d: minCores %d exceeds maxCores %d", i+1, task.MinCores, task.MaxCores))
		}
	}
	return nil
}

// LoadDescriptor reads a YAML job descriptor file.
func LoadDescriptor(path string) (JobDescriptor, error) {
	f, err := os.Open(path)
	if err != nil {
		return JobDescriptor{}, apperrors.Configuration("descriptor", fmt.Sprintf("open job file: %v", err))
	}
	defer f.Close()

	var d JobDescriptor
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&d); err != nil {
		return JobDescriptor{}, apperrors.Configuration("descriptor", fmt.Sprintf("parse job file %s: %v", path, err))
	}
	if err := d.Validate(); err != nil {
		return JobDescriptor{}, err
	}
	return d, nil
}
