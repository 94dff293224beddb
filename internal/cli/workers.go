// Copyright 2025 The Soliplex Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func (a *App) newWorkersCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "workers",
		Short: "List checked-in workers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()

			workers, err := st.ListWorkers(cmd.Context())
			if err != nil {
				return err
			}
			if a.jsonOut {
				return a.printJSON(workers)
			}
			tw, flush := a.table()
			defer flush()
			fmt.Fprintln(tw, "WORKER\tFIRST SEEN\tLAST SEEN\tAGE")
			now := time.Now()
			for _, w := range workers {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n",
					w.WorkerID,
					w.FirstSeen.Format("2006-01-02 15:04:05"),
					w.LastSeen.Format("2006-01-02 15:04:05"),
					now.Sub(w.LastSeen).Truncate(time.Second))
			}
			return nil
		},
	}
}
