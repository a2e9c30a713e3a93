package document

import (
	"errors"
	"reflect"
	"strings"
	"testing"
)

const withLinks = `---
title: Old title
links:
  - href: /guide/intro
    label: Intro
  - href: https://example.com
    label: External
description: Old description
weight: 3 # sidebar order
---
# Old

old body
`

func TestMergePreservesUnmanagedKeys(t *testing.T) {
	before, err := Parse([]byte(withLinks))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	beforeMeta, err := before.Metadata()
	if err != nil {
		t.Fatalf("metadata: %v", err)
	}

	out, changed, err := Merge([]byte(withLinks), "T", "D", "B")
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if !changed {
		t.Fatalf("expected change")
	}
	after, err := Parse(out)
	if err != nil {
		t.Fatalf("reparse: %v\n%s", err, out)
	}
	if after.Title != "T" || after.Description != "D" || after.Body != "B\n" {
		t.Fatalf("unexpected fields: %q %q %q", after.Title, after.Description, after.Body)
	}
	afterMeta, err := after.Metadata()
	if err != nil {
		t.Fatalf("metadata: %v", err)
	}
	if !reflect.DeepEqual(beforeMeta["links"], afterMeta["links"]) {
		t.Fatalf("links changed:\nbefore=%#v\nafter=%#v", beforeMeta["links"], afterMeta["links"])
	}
	if afterMeta["weight"] != 3 {
		t.Fatalf("weight changed: %#v", afterMeta["weight"])
	}

	text := string(out)
	order := []string{"title:", "links:", "description:", "weight:"}
	last := -1
	for _, key := range order {
		idx := strings.Index(text, key)
		if idx <= last {
			t.Fatalf("key %s out of order in:\n%s", key, text)
		}
		last = idx
	}
	if !strings.Contains(text, "# sidebar order") {
		t.Fatalf("line comment lost:\n%s", text)
	}
}

func TestMergeUnchangedKeepsBytes(t *testing.T) {
	out, changed, err := Merge([]byte(withLinks), "Old title", "Old description", "# Old\r\n\r\nold body")
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if changed {
		t.Fatalf("expected no change")
	}
	if string(out) != withLinks {
		t.Fatalf("bytes rewritten:\n%s", out)
	}
}

func TestMergeNewFile(t *testing.T) {
	out, changed, err := Merge(nil, "New", "", "Hello")
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if !changed {
		t.Fatalf("new file must report a change")
	}
	want := "---\ntitle: New\n---\nHello\n"
	if string(out) != want {
		t.Fatalf("got %q want %q", out, want)
	}
}

func TestParseWithoutFrontMatter(t *testing.T) {
	doc, err := Parse([]byte("# Plain\n\ntext\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if doc.Title != "" || doc.Body != "# Plain\n\ntext\n" {
		t.Fatalf("unexpected doc: %+v", doc)
	}
	meta, err := doc.Metadata()
	if err != nil || len(meta) != 0 {
		t.Fatalf("meta=%v err=%v", meta, err)
	}
}

func TestParseRejectsNonMapping(t *testing.T) {
	if _, err := Parse([]byte("---\n- a\n- b\n---\nbody\n")); !errors.Is(err, ErrFrontMatter) {
		t.Fatalf("expected ErrFrontMatter, got %v", err)
	}
}

func TestMultilineDescriptionUsesLiteralStyle(t *testing.T) {
	out, _, err := Merge([]byte(withLinks), "T", "line one\nline two", "B")
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	doc, err := Parse(out)
	if err != nil {
		t.Fatalf("reparse: %v", err)
	}
	if doc.Description != "line one\nline two" {
		t.Fatalf("description round trip: %q", doc.Description)
	}
}
