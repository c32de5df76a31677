// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/cascade/internal/store"
)

func runSave(cmd *cobra.Command, args []string) error {
	content, err := readContent(cmd, args, 1)
	if err != nil {
		return err
	}
	return withStore(cmd, func(ctx context.Context, s *store.Store) error {
		doc, err := s.SaveWithBackup(ctx, args[0], content)
		if err != nil {
			return err
		}
		return emit(doc, func() {
			app.printer.Success(fmt.Sprintf("saved %s version %d", doc.Name, doc.Version))
			app.printer.Muted("sha256 " + doc.Hash)
		})
	})
}

// runLoad prints only the document content in human modes so the output
// can be piped.
func runLoad(cmd *cobra.Command, args []string) error {
	return withStore(cmd, func(ctx context.Context, s *store.Store) error {
		doc, err := s.LoadWithValidation(ctx, args[0])
		if err != nil {
			return err
		}
		return emit(doc, func() {
			app.printer.Line("%s", doc.Content)
		})
	})
}
