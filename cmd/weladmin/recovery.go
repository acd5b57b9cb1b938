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
	"github.com/spf13/cobra"
)

var (
	recoveryFindings   string
	recoveryBranchSeq  uint64
	recoveryBranchHash string
	recoveryAuthority  string
	recoveryVoteKind   string
)

func init() {
	recoveryCmd.AddCommand(recoveryOpenCmd)
	recoveryCmd.AddCommand(recoveryStatusCmd)
	recoveryCmd.AddCommand(recoveryBranchCmd)
	recoveryCmd.AddCommand(recoveryVoteCmd)
	recoveryCmd.AddCommand(recoveryCompleteCmd)
	rootCmd.AddCommand(recoveryCmd)

	recoveryOpenCmd.Flags().StringVarP(&recoveryFindings, "findings", "f", "", "Investigation findings summary")

	recoveryBranchCmd.Flags().Uint64Var(&recoveryBranchSeq, "seq", 0, "Surviving branch head sequence")
	recoveryBranchCmd.Flags().StringVar(&recoveryBranchHash, "hash", "", "Surviving branch head content hash")
	recoveryBranchCmd.MarkFlagRequired("seq")
	recoveryBranchCmd.MarkFlagRequired("hash")

	recoveryVoteCmd.Flags().StringVarP(&recoveryAuthority, "authority", "a", "", "Authority identifier")
	recoveryVoteCmd.Flags().StringVar(&recoveryVoteKind, "kind", "approve", "Vote kind: approve or abandon")
	recoveryVoteCmd.MarkFlagRequired("authority")
}

var recoveryCmd = &cobra.Command{
	Use:   "recovery",
	Short: "Drive the halt recovery procedure",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.HelpFunc()(cmd, args)
	},
}

var recoveryOpenCmd = &cobra.Command{
	Use:   "open",
	Short: "Open an investigation against the raised halt",
	Run: func(cmd *cobra.Command, args []string) {
		body := map[string]interface{}{"findings": recoveryFindings}
		var out map[string]interface{}
		if err := doRequest("POST", "/v1/recovery", body, &out); err != nil {
			reportErrorf("open: %v", err)
		}
		printJSON(out)
	},
}

var recoveryStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the active recovery procedure",
	Run: func(cmd *cobra.Command, args []string) {
		var out map[string]interface{}
		if err := doRequest("GET", "/v1/recovery", nil, &out); err != nil {
			reportErrorf("status: %v", err)
		}
		printJSON(out)
	},
}

var recoveryBranchCmd = &cobra.Command{
	Use:   "branch [procedure-id]",
	Short: "Propose the surviving branch",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		body := map[string]interface{}{
			"branchSeq":  recoveryBranchSeq,
			"branchHash": recoveryBranchHash,
		}
		if err := doRequest("POST", "/v1/recovery/"+args[0]+"/branch", body, nil); err != nil {
			reportErrorf("branch: %v", err)
		}
	},
}

var recoveryVoteCmd = &cobra.Command{
	Use:   "vote [procedure-id]",
	Short: "Cast an authority vote on the decision",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		body := map[string]interface{}{
			"authorityId": recoveryAuthority,
			"kind":        recoveryVoteKind,
		}
		if err := doRequest("POST", "/v1/recovery/"+args[0]+"/vote", body, nil); err != nil {
			reportErrorf("vote: %v", err)
		}
	},
}

var recoveryCompleteCmd = &cobra.Command{
	Use:   "complete [procedure-id]",
	Short: "Complete recovery after the waiting period",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		var out map[string]interface{}
		if err := doRequest("POST", "/v1/recovery/"+args[0]+"/complete", nil, &out); err != nil {
			reportErrorf("complete: %v", err)
		}
		printJSON(out)
	},
}
