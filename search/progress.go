// Copyright 2026 loopsched Authors
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

package search

import (
	"fmt"
	"os"

	"github.com/mattn/go-isatty"
)

// progressBar draws an in-place bar on stderr while the search runs.
// It stays silent when stderr is not a terminal, so logs piped to a
// file are not littered with carriage returns.
type progressBar struct {
	enabled bool
	counter int
}

func newProgressBar(want bool) *progressBar {
	return &progressBar{
		enabled: want && isatty.IsTerminal(os.Stderr.Fd()),
	}
}

// Set redraws the bar at the given completion fraction.
func (p *progressBar) Set(frac float64) {
	if !p.enabled {
		return
	}
	p.counter++
	const bits = 11
	if p.counter&((1<<bits)-1) == 0 {
		const width = 64
		fmt.Fprintf(os.Stderr, "\r[")
		for i := 0; i < width; i++ {
			if float64(i) < frac*width {
				fmt.Fprintf(os.Stderr, "=")
			} else if float64(i) < frac*width+0.5 {
				fmt.Fprintf(os.Stderr, ">")
			} else {
				fmt.Fprintf(os.Stderr, " ")
			}
		}
		fmt.Fprintf(os.Stderr, "]")
	}
}

// Clear erases the bar before other output is printed.
func (p *progressBar) Clear() {
	if !p.enabled {
		return
	}
	const width = 64
	fmt.Fprintf(os.Stderr, "\r")
	for i := 0; i < width+2; i++ {
		fmt.Fprintf(os.Stderr, " ")
	}
	fmt.Fprintf(os.Stderr, "\r")
}
