// Copyright (C) 2026 Hoyack Labs
// This file is part of welcore
//
// welcore is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// welcore is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with welcore.  If not, see <https://www.gnu.org/licenses/>.

package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/require"

	"github.com/hoyack/archon72-sub009/config"
	"github.com/hoyack/archon72-sub009/logging"
	"github.com/hoyack/archon72-sub009/node"
	"github.com/hoyack/archon72-sub009/protocol"
)

type handlerEnv struct {
	node *node.WelcoreNode
	h    *Handlers
	echo *echo.Echo
}

func makeHandlerEnv(t *testing.T) *handlerEnv {
	log := logging.TestingLog(t)
	n, err := node.MakeNode(log, t.TempDir(), config.GetDefaultLocal())
	require.NoError(t, err)
	require.NoError(t, n.Start(context.Background()))
	t.Cleanup(n.Stop)

	return &handlerEnv{
		node: n,
		h:    &Handlers{Node: n, Log: log},
		echo: echo.New(),
	}
}

// get runs one read handler against path and decodes the body into out.
func (env *handlerEnv) get(t *testing.T, handler func(echo.Context) error, path string, params map[string]string, out interface{}) int {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	c := env.echo.NewContext(req, rec)
	for name, value := range params {
		c.SetParamNames(name)
		c.SetParamValues(value)
	}
	require.NoError(t, handler(c))
	if out != nil && rec.Code == http.StatusOK {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out))
	}
	return rec.Code
}

func TestReadResponsesCarryHaltIndicator(t *testing.T) {
	env := makeHandlerEnv(t)
	ctx := context.Background()

	rec, err := env.node.Append(ctx, protocol.EventRecord, 1, []byte("payload"))
	require.NoError(t, err)
	require.Equal(t, uint64(1), rec.Sequence)

	var list RecordsResponse
	require.Equal(t, http.StatusOK, env.get(t, env.h.GetRecords, "/v1/records", nil, &list))
	require.False(t, list.IsHalted)
	require.Len(t, list.Records, 1)
	require.Equal(t, uint64(1), list.Next)

	var one RecordResponse
	require.Equal(t, http.StatusOK, env.get(t, env.h.GetRecord, "/v1/records/1",
		map[string]string{"seq": "1"}, &one))
	require.False(t, one.IsHalted)
	require.Equal(t, uint64(1), one.Record.Sequence)

	var anchors CheckpointsResponse
	require.Equal(t, http.StatusOK, env.get(t, env.h.GetCheckpoints, "/v1/checkpoints", nil, &anchors))
	require.False(t, anchors.IsHalted)

	require.NoError(t, env.node.Halt().Declare(ctx, "records diverge", []uint64{1}))

	// Reads stay available under the halt; each response says so.
	require.Equal(t, http.StatusOK, env.get(t, env.h.GetRecords, "/v1/records", nil, &list))
	require.True(t, list.IsHalted)
	require.Len(t, list.Records, 1)

	require.Equal(t, http.StatusOK, env.get(t, env.h.GetRecord, "/v1/records/1",
		map[string]string{"seq": "1"}, &one))
	require.True(t, one.IsHalted)

	require.Equal(t, http.StatusOK, env.get(t, env.h.GetCheckpoints, "/v1/checkpoints", nil, &anchors))
	require.True(t, anchors.IsHalted)
}
