// Copyright 2025 The Njord Authors. All Rights Reserved.
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

package metric

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"testing"
)

func TestSample_RoundTrip(t *testing.T) {
	in := Sample{
		Name:        "njord_orders_total",
		Value:       5,
		TimestampNS: 1700000000000000000,
		Labels:      map[string]string{"strategy_id": "twap_v1", "symbol": "BTC/USDT"},
		Kind:        KindCounter,
	}
	payload, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	out, err := ParseSample(payload)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !reflect.DeepEqual(in, out) {
		t.Fatalf("round-trip mismatch:\n in=%+v\nout=%+v", in, out)
	}
}

func TestParseSample_ProtocolErrors(t *testing.T) {
	cases := []struct {
		name    string
		payload string
		want    error
	}{
		{"not json", `[1,2]`, ErrNotJSONObject},
		{"missing name", `{"value":1,"timestamp_ns":0,"kind":"gauge"}`, ErrMissingField},
		{"missing kind", `{"name":"x","value":1,"timestamp_ns":0}`, ErrMissingField},
		{"wrong value type", `{"name":"x","value":"nan","timestamp_ns":0,"kind":"gauge"}`, ErrWrongFieldType},
		{"unknown kind", `{"name":"x","value":1,"timestamp_ns":0,"kind":"meter"}`, ErrUnknownKind},
		{"negative ts", `{"name":"x","value":1,"timestamp_ns":-5,"kind":"gauge"}`, ErrNegativeTime},
	}
	for _, c := range cases {
		if _, err := ParseSample([]byte(c.payload)); !errors.Is(err, c.want) {
			t.Errorf("%s: got %v, want %v", c.name, err, c.want)
		}
	}
}

func TestValidate_LabelBound(t *testing.T) {
	s := Sample{Name: "x", Kind: KindGauge, Labels: map[string]string{}}
	for i := 0; i <= MaxLabels; i++ {
		s.Labels[fmt.Sprintf("k%02d", i)] = "v"
	}
	if err := s.Validate(); !errors.Is(err, ErrTooManyLabels) {
		t.Fatalf("expected ErrTooManyLabels, got %v", err)
	}
}

func TestLabelKey_SortedAndStable(t *testing.T) {
	a := map[string]string{"b": "2", "a": "1", "c": "3"}
	b := map[string]string{"c": "3", "a": "1", "b": "2"}
	if LabelKey(a) != LabelKey(b) {
		t.Fatalf("label key must be order-independent")
	}
	if got, want := LabelKey(a), "a=1,b=2,c=3"; got != want {
		t.Fatalf("LabelKey = %q, want %q", got, want)
	}
	if LabelKey(nil) != "" {
		t.Fatalf("empty labels must produce empty key")
	}
	if got, want := SeriesKey("m", a), "m{a=1,b=2,c=3}"; got != want {
		t.Fatalf("SeriesKey = %q, want %q", got, want)
	}
	if got := SeriesKey("m", nil); got != "m" {
		t.Fatalf("SeriesKey with no labels = %q, want m", got)
	}
}
