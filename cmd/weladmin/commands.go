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

package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	appendType    string
	appendVersion uint32
	appendPayload string

	queryAfterSeq uint64
	queryLimit    uint64

	schemaType     string
	schemaVersion  uint32
	schemaStakes   string
	schemaTerminal bool
	schemaReverses string
)

func init() {
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(haltCmd)
	haltCmd.AddCommand(haltAnomaliesCmd)

	recordCmd.AddCommand(recordAppendCmd)
	recordCmd.AddCommand(recordGetCmd)
	recordCmd.AddCommand(recordListCmd)
	recordCmd.AddCommand(recordProofCmd)
	rootCmd.AddCommand(recordCmd)

	schemaCmd.AddCommand(schemaListCmd)
	schemaCmd.AddCommand(schemaRegisterCmd)
	rootCmd.AddCommand(schemaCmd)

	checkpointCmd.AddCommand(checkpointLatestCmd)
	rootCmd.AddCommand(checkpointCmd)

	recordAppendCmd.Flags().StringVarP(&appendType, "type", "t", "", "Record type")
	recordAppendCmd.Flags().Uint32Var(&appendVersion, "schema-version", 1, "Schema version")
	recordAppendCmd.Flags().StringVarP(&appendPayload, "payload", "p", "", "Payload (raw string)")
	recordAppendCmd.MarkFlagRequired("type")

	recordListCmd.Flags().Uint64Var(&queryAfterSeq, "after", 0, "Return records after this sequence")
	recordListCmd.Flags().Uint64Var(&queryLimit, "limit", 100, "Maximum records to return")

	schemaRegisterCmd.Flags().StringVarP(&schemaType, "type", "t", "", "Record type")
	schemaRegisterCmd.Flags().Uint32Var(&schemaVersion, "schema-version", 1, "Schema version")
	schemaRegisterCmd.Flags().StringVar(&schemaStakes, "stakes", "low", "Stakes class: high or low")
	schemaRegisterCmd.Flags().BoolVar(&schemaTerminal, "terminal", false, "Mark the type terminal")
	schemaRegisterCmd.Flags().StringVar(&schemaReverses, "reverses", "", "Type this one reverses")
	schemaRegisterCmd.MarkFlagRequired("type")
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show node status",
	Run: func(cmd *cobra.Command, args []string) {
		var out map[string]interface{}
		if err := doRequest("GET", "/v1/status", nil, &out); err != nil {
			reportErrorf("status: %v", err)
		}
		printJSON(out)
	},
}

var haltCmd = &cobra.Command{
	Use:   "halt",
	Short: "Show halt state",
	Run: func(cmd *cobra.Command, args []string) {
		var out map[string]interface{}
		if err := doRequest("GET", "/v1/halt", nil, &out); err != nil {
			reportErrorf("halt: %v", err)
		}
		printJSON(out)
	},
}

var haltAnomaliesCmd = &cobra.Command{
	Use:   "anomalies",
	Short: "Show recorded halt channel anomalies",
	Run: func(cmd *cobra.Command, args []string) {
		var out []map[string]interface{}
		if err := doRequest("GET", "/v1/halt/anomalies", nil, &out); err != nil {
			reportErrorf("anomalies: %v", err)
		}
		printJSON(out)
	},
}

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Append and inspect ledger records",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.HelpFunc()(cmd, args)
	},
}

var recordAppendCmd = &cobra.Command{
	Use:   "append",
	Short: "Append an event record",
	Run: func(cmd *cobra.Command, args []string) {
		body := map[string]interface{}{
			"type":          appendType,
			"schemaVersion": appendVersion,
			"payload":       []byte(appendPayload),
		}
		var out map[string]interface{}
		if err := doRequest("POST", "/v1/records", body, &out); err != nil {
			reportErrorf("append: %v", err)
		}
		printJSON(out)
	},
}

var recordGetCmd = &cobra.Command{
	Use:   "get [sequence]",
	Short: "Fetch one record by sequence",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		var out map[string]interface{}
		if err := doRequest("GET", "/v1/records/"+args[0], nil, &out); err != nil {
			reportErrorf("get: %v", err)
		}
		printJSON(out)
	},
}

var recordListCmd = &cobra.Command{
	Use:   "list",
	Short: "List records by sequence range",
	Run: func(cmd *cobra.Command, args []string) {
		path := fmt.Sprintf("/v1/records?afterSeq=%d&limit=%d", queryAfterSeq, queryLimit)
		var out map[string]interface{}
		if err := doRequest("GET", path, nil, &out); err != nil {
			reportErrorf("list: %v", err)
		}
		printJSON(out)
	},
}

var recordProofCmd = &cobra.Command{
	Use:   "proof [sequence]",
	Short: "Fetch a checkpoint inclusion proof for a record",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		var out map[string]interface{}
		if err := doRequest("GET", "/v1/records/"+args[0]+"/proof", nil, &out); err != nil {
			reportErrorf("proof: %v", err)
		}
		printJSON(out)
	},
}

var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Inspect and extend the record type catalog",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.HelpFunc()(cmd, args)
	},
}

var schemaListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered record types",
	Run: func(cmd *cobra.Command, args []string) {
		var out []map[string]interface{}
		if err := doRequest("GET", "/v1/schemas", nil, &out); err != nil {
			reportErrorf("schemas: %v", err)
		}
		printJSON(out)
	},
}

var schemaRegisterCmd = &cobra.Command{
	Use:   "register",
	Short: "Register a new record type or version",
	Run: func(cmd *cobra.Command, args []string) {
		body := map[string]interface{}{
			"type":          schemaType,
			"schemaVersion": schemaVersion,
			"stakes":        schemaStakes,
			"terminal":      schemaTerminal,
			"reverses":      schemaReverses,
		}
		var out map[string]interface{}
		if err := doRequest("POST", "/v1/schemas", body, &out); err != nil {
			reportErrorf("register: %v", err)
		}
		printJSON(out)
	},
}

var checkpointCmd = &cobra.Command{
	Use:   "checkpoint",
	Short: "List checkpoint anchors",
	Run: func(cmd *cobra.Command, args []string) {
		var out map[string]interface{}
		if err := doRequest("GET", "/v1/checkpoints", nil, &out); err != nil {
			reportErrorf("checkpoints: %v", err)
		}
		printJSON(out)
	},
}

var checkpointLatestCmd = &cobra.Command{
	Use:   "latest",
	Short: "Show the newest checkpoint anchor",
	Run: func(cmd *cobra.Command, args []string) {
		var out map[string]interface{}
		if err := doRequest("GET", "/v1/checkpoints/latest", nil, &out); err != nil {
			reportErrorf("checkpoint latest: %v", err)
		}
		printJSON(out)
	},
}
