package main

import (
	"context"
	"path/filepath"
	"testing"

	"go.viam.com/test"

	"go.viam.com/starfield/catalog"
	"go.viam.com/starfield/logging"
)

func TestMainWithArgs(t *testing.T) {
	root := t.TempDir()
	logger := logging.NewTestLogger(t)
	err := mainWithArgs(context.Background(),
		[]string{"mkcatalog", "-root", root, "-name", "tiny_cluster", "-depth", "1", "-half-size", "10", "-stars", "4", "-zstd"},
		logger)
	test.That(t, err, test.ShouldBeNil)

	cat, err := catalog.Open(root, "tiny_cluster", logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cat.Tree().Len(), test.ShouldEqual, 9)
	test.That(t, cat.Compression(), test.ShouldEqual, catalog.CompressionZstd)
	test.That(t, cat.PayloadDir(), test.ShouldEqual, filepath.Join(root, "tiny_cluster", catalog.PayloadDir))

	for _, args := range [][]string{
		{"mkcatalog", "-root", root},
		{"mkcatalog", "-root", root, "-name", "x", "-depth", "9"},
		{"mkcatalog", "-root", root, "-name", "x", "-half-size", "0"},
		{"mkcatalog", "-root", root, "-name", "x", "-stars", "-1"},
	} {
		test.That(t, mainWithArgs(context.Background(), args, logger), test.ShouldNotBeNil)
	}
}
