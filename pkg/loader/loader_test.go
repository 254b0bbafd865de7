/*
Copyright 2025 The Djl Serving Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package loader

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/waicool20/djl/pkg/wlm"
)

func TestSchemeLoaderDispatch(t *testing.T) {
	s := NewSchemeLoader()
	s.Register("echo", NewEchoLoader())

	var sawURL string
	s.Register("S3", LoaderFunc(func(_ context.Context, sourceURL string) (wlm.Model, error) {
		sawURL = sourceURL
		return &echoModel{name: "fromS3"}, nil
	}))

	t.Run("scheme match is case insensitive", func(t *testing.T) {
		model, err := s.Load(context.Background(), "s3://bucket/key")
		require.NoError(t, err)
		assert.Equal(t, "fromS3", model.Name())
		assert.Equal(t, "s3://bucket/key", sawURL)
	})

	t.Run("unregistered scheme", func(t *testing.T) {
		_, err := s.Load(context.Background(), "ftp://host/model")
		assert.ErrorIs(t, err, ErrUnsupportedScheme)
	})

	t.Run("unparsable url", func(t *testing.T) {
		_, err := s.Load(context.Background(), "echo://bad\x00url")
		assert.Error(t, err)
	})
}

func TestEchoLoader(t *testing.T) {
	l := NewEchoLoader()

	model, err := l.Load(context.Background(), "echo://resnet18")
	require.NoError(t, err)
	assert.Equal(t, "resnet18", model.Name())

	out, err := model.Infer(context.Background(), [][]byte{[]byte("a"), []byte("bb")})
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "a", string(out[0]))
	assert.Equal(t, "bb", string(out[1]))
	assert.NoError(t, model.Close())

	t.Run("name from path when host is empty", func(t *testing.T) {
		model, err := l.Load(context.Background(), "echo:///models/bert")
		require.NoError(t, err)
		assert.Equal(t, "bert", model.Name())
	})

	t.Run("missing name", func(t *testing.T) {
		_, err := l.Load(context.Background(), "echo://")
		assert.Error(t, err)
	})
}
