package protocol

import "testing"

func TestEventSubject(t *testing.T) {
	cases := []struct {
		campaign string
		lane     string
		want     string
	}{
		{"camp", "narrative", "playback.event.camp.narrative"},
		{"winter.campaign", "narrative", "playback.event.winter_campaign.narrative"},
		{"camp", "side quests", "playback.event.camp.side_quests"},
		{"*", ">", "playback.event._._"},
		{"camp\tone", "lane\n2", "playback.event.camp_one.lane_2"},
		{"", "narrative", "playback.event._.narrative"},
	}
	for _, c := range cases {
		if got := EventSubject(c.campaign, c.lane); got != c.want {
			t.Fatalf("EventSubject(%q, %q) = %q, want %q", c.campaign, c.lane, got, c.want)
		}
	}
}
