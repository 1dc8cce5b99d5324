//go:build ignore

// Package main generates a synthetic document corpus for ingestion benchmarking.
// Usage: go run scripts/generate-test-corpus.go -files 1000 -output testdata/bench
package main

import (
	"flag"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
)

var (
	numFiles  = flag.Int("files", 1000, "Number of documents to generate")
	outputDir = flag.String("output", "testdata/bench", "Output directory")
	seed      = flag.Int64("seed", 42, "Random seed for reproducibility")
)

var articleTemplate = `# %s

## Overview

%s is a reference article covering %s for internal knowledge-base testing.
It exists to give the ingestion pipeline realistic paragraph and heading
structure to chunk against.

## Background

%s has been a topic of ongoing documentation since the program started
tracking %s. Teams reference this material when onboarding or when
troubleshooting issues related to %s.

## Details

The %s process involves several steps:

- Gather the relevant %s data
- Validate it against the existing %s records
- Summarize findings for the %s team
- File any follow-up actions

## Notes

This document intentionally repeats %s and %s so that lexical search
has multiple matching terms to rank against, alongside paragraphs the
vector index can embed independently.
`

var noteTemplate = `%s

%s is relevant to %s. The following notes describe %s in plain prose,
without any markdown structure, to exercise the text extractor's
blank-line paragraph splitting.

Most of what matters about %s comes down to how %s interacts with
%s over time. Anyone picking this up later should start by reviewing
the %s history before making changes.

Open questions remain around %s and %s, and should be revisited once
more data is available.
`

// Word pools for generating realistic knowledge-base prose.
var (
	topics = []string{
		"Onboarding", "Incident Response", "Release Process", "Data Retention",
		"Access Control", "Billing Reconciliation", "Customer Escalations",
		"Vendor Contracts", "Capacity Planning", "Compliance Review",
		"Support Playbook", "Migration Runbook", "Security Audit",
		"Performance Tuning", "Backup Strategy", "Disaster Recovery",
		"API Versioning", "Rate Limiting", "Feature Rollout", "Deprecation Policy",
	}
	subjects = []string{
		"the platform team", "the support rotation", "the finance group",
		"the infrastructure squad", "the data team", "the on-call engineer",
		"the compliance office", "the partner integrations team",
		"the customer success group", "the security team",
	}
	aspects = []string{
		"latency budgets", "error rates", "quarterly metrics", "user feedback",
		"audit findings", "configuration drift", "staging rollouts",
		"legacy dependencies", "third-party contracts", "alert thresholds",
	}
	verbs = []string{
		"reviewing", "tracking", "escalating", "documenting", "reconciling",
		"auditing", "monitoring", "validating", "coordinating", "archiving",
	}
)

func main() {
	flag.Parse()
	rand.Seed(*seed)

	if err := os.MkdirAll(*outputDir, 0755); err != nil {
		fmt.Fprintf(os.Stderr, "Error creating output directory: %v\n", err)
		os.Exit(1)
	}

	subdirs := []string{"articles", "notes"}
	for _, subdir := range subdirs {
		if err := os.MkdirAll(filepath.Join(*outputDir, subdir), 0755); err != nil {
			fmt.Fprintf(os.Stderr, "Error creating subdirectory %s: %v\n", subdir, err)
			os.Exit(1)
		}
	}

	fmt.Printf("Generating %d documents in %s...\n", *numFiles, *outputDir)

	// Markdown articles exercise the extractor's blank-line splitting across
	// headings; plain-text notes exercise it without any markdown at all.
	articleCount := *numFiles * 60 / 100
	noteCount := *numFiles - articleCount

	generated := 0
	for i := 0; i < articleCount; i++ {
		if err := generateArticle(i); err != nil {
			fmt.Fprintf(os.Stderr, "Error generating article %d: %v\n", i, err)
			continue
		}
		generated++
	}
	for i := 0; i < noteCount; i++ {
		if err := generateNote(i); err != nil {
			fmt.Fprintf(os.Stderr, "Error generating note %d: %v\n", i, err)
			continue
		}
		generated++
	}

	fmt.Printf("Generated %d documents successfully.\n", generated)
}

func randomWord(pool []string) string {
	return pool[rand.Intn(len(pool))]
}

func generateArticle(index int) error {
	topic := randomWord(topics)
	subject := randomWord(subjects)
	aspect := randomWord(aspects)
	verb := randomWord(verbs)

	content := fmt.Sprintf(articleTemplate,
		topic,
		topic, aspect,
		topic, aspect, topic,
		strings.ToLower(topic), aspect, aspect, subject,
		topic, verb,
	)

	slug := strings.ToLower(strings.ReplaceAll(topic, " ", "_"))
	filename := filepath.Join(*outputDir, "articles", fmt.Sprintf("%s_%d.md", slug, index))
	return os.WriteFile(filename, []byte(content), 0644)
}

func generateNote(index int) error {
	topic := randomWord(topics)
	subject := randomWord(subjects)
	aspect := randomWord(aspects)
	verb := randomWord(verbs)

	content := fmt.Sprintf(noteTemplate,
		topic,
		topic, subject, strings.ToLower(topic),
		strings.ToLower(topic), verb, aspect,
		strings.ToLower(topic),
		aspect, verb,
	)

	slug := strings.ToLower(strings.ReplaceAll(topic, " ", "_"))
	filename := filepath.Join(*outputDir, "notes", fmt.Sprintf("%s_%d.txt", slug, index))
	return os.WriteFile(filename, []byte(content), 0644)
}
