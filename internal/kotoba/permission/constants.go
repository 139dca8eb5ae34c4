package permission

// Predefined policies. They are Func values and can be combined with And/Or.
var (
	PrivateFriend  Func = func(s *SenderRoles) bool { return s.IsPrivateFriend() }
	PrivateGroup   Func = func(s *SenderRoles) bool { return s.IsPrivateGroup() }
	PrivateDiscuss Func = func(s *SenderRoles) bool { return s.IsPrivateDiscuss() }
	PrivateOther   Func = func(s *SenderRoles) bool {
		return s.IsPrivatechat() && s.Event.SubType == "other"
	}
	Private     Func = func(s *SenderRoles) bool { return s.IsPrivatechat() }
	Discuss     Func = func(s *SenderRoles) bool { return s.IsDiscusschat() }
	GroupMember Func = func(s *SenderRoles) bool { return s.IsGroupchat() && !s.IsAnonymous() }
	GroupAdmin  Func = func(s *SenderRoles) bool { return s.IsGroupchat() && s.IsAdmin() }
	GroupOwner  Func = func(s *SenderRoles) bool { return s.IsGroupchat() && s.IsOwner() }
	Group       Func = func(s *SenderRoles) bool { return s.IsGroupchat() }
	Superuser   Func = func(s *SenderRoles) bool { return s.IsSuperuser() }
	Everybody   Func = func(*SenderRoles) bool { return true }
	Nobody      Func = func(*SenderRoles) bool { return false }
)
